package helpers

import (
	"regexp"

	"github.com/google/uuid"
)

// GenerateUUID returns a new collision-resistant identifier in the
// canonical 36-character form used for document ids.
func GenerateUUID() string {
	return uuid.New().String()
}

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// IsValidCollectionName reports whether name is usable as a collection
// name (and therefore as a data file stem).
func IsValidCollectionName(name string) bool {
	return collectionNamePattern.MatchString(name)
}

// CloneValue deep-copies a decoded JSON value. The store never loans
// interior pointers to callers, so every value crossing the store
// boundary goes through here.
func CloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			out[k] = CloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, val := range tv {
			out[i] = CloneValue(val)
		}
		return out
	default:
		// Scalars (string, float64, bool, nil) are immutable.
		return v
	}
}

// CloneDocument deep-copies a document.
func CloneDocument(doc map[string]interface{}) map[string]interface{} {
	return CloneValue(doc).(map[string]interface{})
}
