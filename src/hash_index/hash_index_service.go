package hash_index

import (
	"sort"
	"strconv"

	"go.uber.org/zap"

	"aevumdb/src/models"
)

// HashIndexService maintains the primary (_id -> document) map and the
// secondary (field -> stringified value -> document set) multimaps for
// every collection. It stores direct references into the live document
// set; the store controller owns copy semantics at its boundary and
// calls every mutating method under its writer lock.
type HashIndexService struct {
	logger *zap.SugaredLogger

	// collection -> _id -> document
	primary map[string]map[string]models.Document

	// collection -> field -> value -> documents
	secondary map[string]map[string]map[string][]models.Document

	// collection -> registered field set
	registered map[string]map[string]struct{}
}

func NewHashIndexService(logger *zap.SugaredLogger) *HashIndexService {
	return &HashIndexService{
		logger:     logger,
		primary:    make(map[string]map[string]models.Document),
		secondary:  make(map[string]map[string]map[string][]models.Document),
		registered: make(map[string]map[string]struct{}),
	}
}

// FormatIndexValue renders an indexable field value in its canonical
// string form. Strings index as themselves; numbers use the shortest
// round-trippable decimal form, so 100 indexes as "100". Any other type
// is not indexable.
func FormatIndexValue(v interface{}) (string, bool) {
	switch tv := v.(type) {
	case string:
		return tv, true
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), true
	case int:
		return strconv.FormatInt(int64(tv), 10), true
	case int64:
		return strconv.FormatInt(tv, 10), true
	default:
		return "", false
	}
}

// RegisterField adds a field to the registered set for a collection.
// It reports whether the field was newly registered.
func (s *HashIndexService) RegisterField(collection, field string) bool {
	fields, ok := s.registered[collection]
	if !ok {
		fields = make(map[string]struct{})
		s.registered[collection] = fields
	}
	if _, exists := fields[field]; exists {
		return false
	}
	fields[field] = struct{}{}
	return true
}

// IsIndexed reports whether (collection, field) has a secondary index.
func (s *HashIndexService) IsIndexed(collection, field string) bool {
	_, ok := s.registered[collection][field]
	return ok
}

// RegisteredEntries returns the full index catalog in deterministic
// order, suitable for persisting as a single _indexes frame.
func (s *HashIndexService) RegisteredEntries() []models.IndexEntry {
	entries := make([]models.IndexEntry, 0)
	for collection, fields := range s.registered {
		for field := range fields {
			entries = append(entries, models.IndexEntry{Collection: collection, Field: field})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Collection != entries[j].Collection {
			return entries[i].Collection < entries[j].Collection
		}
		return entries[i].Field < entries[j].Field
	})
	return entries
}

// InsertDoc adds a document to the primary index and to the secondary
// bucket of every registered field whose value is a string or number.
func (s *HashIndexService) InsertDoc(collection string, doc models.Document) {
	id, ok := doc["_id"].(string)
	if !ok || id == "" {
		return
	}

	ids, ok := s.primary[collection]
	if !ok {
		ids = make(map[string]models.Document)
		s.primary[collection] = ids
	}
	ids[id] = doc

	s.updateSecondary(collection, doc, true)
}

// RemoveDoc detaches a document from the primary index and prunes its
// secondary buckets, removing value buckets that become empty.
func (s *HashIndexService) RemoveDoc(collection string, doc models.Document) {
	if id, ok := doc["_id"].(string); ok {
		delete(s.primary[collection], id)
	}
	s.updateSecondary(collection, doc, false)
}

func (s *HashIndexService) updateSecondary(collection string, doc models.Document, add bool) {
	fields, ok := s.registered[collection]
	if !ok {
		return
	}

	for field := range fields {
		value, present := doc[field]
		if !present {
			continue
		}
		key, indexable := FormatIndexValue(value)
		if !indexable {
			continue
		}

		byField, ok := s.secondary[collection]
		if !ok {
			byField = make(map[string]map[string][]models.Document)
			s.secondary[collection] = byField
		}
		buckets, ok := byField[field]
		if !ok {
			buckets = make(map[string][]models.Document)
			byField[field] = buckets
		}

		if add {
			buckets[key] = append(buckets[key], doc)
			continue
		}

		id, _ := doc["_id"].(string)
		bucket := buckets[key]
		for i, candidate := range bucket {
			if cid, ok := candidate["_id"].(string); ok && cid == id {
				buckets[key] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(buckets[key]) == 0 {
			delete(buckets, key)
		}
	}
}

// RebuildCollection wipes and re-inserts every document of a
// collection. Used after replay and after bulk updates.
func (s *HashIndexService) RebuildCollection(collection string, docs []models.Document) {
	s.logger.Debugf("Index: rebuilding indexes for %s (%d docs)", collection, len(docs))
	s.primary[collection] = make(map[string]models.Document)
	delete(s.secondary, collection)

	for _, doc := range docs {
		s.InsertDoc(collection, doc)
	}
}

// LookupByID returns the document with the given primary key, if any.
func (s *HashIndexService) LookupByID(collection, id string) (models.Document, bool) {
	doc, ok := s.primary[collection][id]
	return doc, ok
}

// LookupByField returns a snapshot of the secondary bucket for a
// stringified value. The returned slice is freshly allocated but the
// documents are still store-owned references.
func (s *HashIndexService) LookupByField(collection, field, value string) []models.Document {
	bucket := s.secondary[collection][field][value]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]models.Document, len(bucket))
	copy(out, bucket)
	return out
}

// PrimaryKeys returns the set of ids currently held in a collection's
// primary index.
func (s *HashIndexService) PrimaryKeys(collection string) []string {
	ids := make([]string, 0, len(s.primary[collection]))
	for id := range s.primary[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
