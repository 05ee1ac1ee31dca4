package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"aevumdb/src/helpers"
	"aevumdb/src/models"
)

// The query executor is pure over its inputs: it never touches shared
// state and never performs I/O. The store controller hands it copies of
// the live sequence and commits (or discards) whatever comes back.

// SortField is one key of a sort specification. Direction is 1 for
// ascending, -1 for descending.
type SortField struct {
	Field     string
	Direction int
}

// ParseSortDocument decodes a raw JSON sort document into an ordered
// sort specification. Multi-key sorts are lexicographic over the keys
// in their original order, which a Go map would not preserve.
func ParseSortDocument(raw []byte) ([]SortField, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid sort document: %w", err)
	}
	if tok == nil {
		return nil, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("sort document must be an object")
	}

	var spec []SortField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid sort document: %w", err)
		}
		key := keyTok.(string)

		var dir float64
		if err := dec.Decode(&dir); err != nil {
			return nil, fmt.Errorf("sort direction for %q must be 1 or -1", key)
		}
		direction := 1
		if dir < 0 {
			direction = -1
		}
		spec = append(spec, SortField{Field: key, Direction: direction})
	}
	return spec, nil
}

// resolvePath walks a dot-separated field path through nested objects.
// The boolean reports whether the full path was present.
func resolvePath(doc models.Document, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(doc)
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// valuesEqual implements structural equality with numeric unification,
// so 10 and 10.0 compare equal regardless of how they were decoded.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case nil:
		return b == nil
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case []interface{}:
		tb, ok := b.([]interface{})
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !valuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		tb, ok := b.(map[string]interface{})
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, exists := tb[k]
			if !exists || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// isOperatorExpression reports whether a predicate object carries query
// operators. A predicate with any $-prefixed key is treated as an
// operator expression; one without is matched structurally.
func isOperatorExpression(pred map[string]interface{}) bool {
	for k := range pred {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// compareOrdered evaluates a range operator. Numeric when both operands
// are numbers, lexicographic when both are strings; any other pairing
// is a non-match rather than an error.
func compareOrdered(fieldVal, target interface{}, matches func(int) bool) bool {
	if fa, ok := toFloat(fieldVal); ok {
		fb, ok := toFloat(target)
		if !ok {
			return false
		}
		switch {
		case fa < fb:
			return matches(-1)
		case fa > fb:
			return matches(1)
		default:
			return matches(0)
		}
	}
	sa, okA := fieldVal.(string)
	sb, okB := target.(string)
	if okA && okB {
		return matches(strings.Compare(sa, sb))
	}
	return false
}

func evaluateOperator(op string, fieldVal interface{}, present bool, target interface{}) (bool, bool) {
	// Absent fields participate in equality-class operators as null,
	// consistent with scalar predicates; range operators never match
	// an absent field.
	eqVal := fieldVal
	if !present {
		eqVal = nil
	}

	switch op {
	case "$eq":
		return valuesEqual(eqVal, target), true
	case "$ne":
		return !valuesEqual(eqVal, target), true
	case "$gt":
		return present && compareOrdered(fieldVal, target, func(c int) bool { return c > 0 }), true
	case "$gte":
		return present && compareOrdered(fieldVal, target, func(c int) bool { return c >= 0 }), true
	case "$lt":
		return present && compareOrdered(fieldVal, target, func(c int) bool { return c < 0 }), true
	case "$lte":
		return present && compareOrdered(fieldVal, target, func(c int) bool { return c <= 0 }), true
	case "$in":
		arr, ok := target.([]interface{})
		if !ok {
			return false, true
		}
		for _, candidate := range arr {
			if valuesEqual(eqVal, candidate) {
				return true, true
			}
		}
		return false, true
	case "$nin":
		arr, ok := target.([]interface{})
		if !ok {
			return true, true
		}
		for _, candidate := range arr {
			if valuesEqual(eqVal, candidate) {
				return false, true
			}
		}
		return true, true
	case "$exists":
		want, ok := target.(bool)
		if !ok {
			return false, true
		}
		return present == want, true
	default:
		return false, false
	}
}

// MatchDocument evaluates a query against a document. Fields combine
// with logical AND; an empty query matches everything. A scalar null
// predicate matches an explicit null and an absent field alike.
func MatchDocument(doc models.Document, query models.Document) bool {
	for path, predicate := range query {
		fieldVal, present := resolvePath(doc, path)

		if predObj, ok := predicate.(map[string]interface{}); ok {
			if isOperatorExpression(predObj) {
				allOps := true
				for op, target := range predObj {
					if !strings.HasPrefix(op, "$") {
						allOps = false
						break
					}
					matched, known := evaluateOperator(op, fieldVal, present, target)
					if !known || !matched {
						return false
					}
				}
				if !allOps {
					return false
				}
				continue
			}
			// Plain object predicate: structural recursive equality.
			if !present || !valuesEqual(fieldVal, predicate) {
				return false
			}
			continue
		}

		// Scalar predicate: structural equality, null matches missing.
		if !present {
			if predicate != nil {
				return false
			}
			continue
		}
		if !valuesEqual(fieldVal, predicate) {
			return false
		}
	}
	return true
}

// FilterDocuments returns the subsequence of docs matching the query,
// preserving order.
func FilterDocuments(docs []models.Document, query models.Document) []models.Document {
	var matched []models.Document
	for _, doc := range docs {
		if MatchDocument(doc, query) {
			matched = append(matched, doc)
		}
	}
	return matched
}

// CountDocuments returns the number of documents matching the query.
func CountDocuments(docs []models.Document, query models.Document) int {
	count := 0
	for _, doc := range docs {
		if MatchDocument(doc, query) {
			count++
		}
	}
	return count
}

// compareSortValues orders two field values for sorting. Missing fields
// sort before present ones; disparate present types compare equal so
// the stable sort preserves insertion order between them.
func compareSortValues(a interface{}, aPresent bool, b interface{}, bPresent bool) int {
	if !aPresent || !bPresent {
		switch {
		case !aPresent && !bPresent:
			return 0
		case !aPresent:
			return -1
		default:
			return 1
		}
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
		return 0
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb)
		}
		return 0
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case !ba && bb:
				return -1
			case ba && !bb:
				return 1
			default:
				return 0
			}
		}
	}
	return 0
}

// SortDocuments stably sorts docs by the given multi-key specification.
func SortDocuments(docs []models.Document, spec []SortField) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range spec {
			va, aPresent := resolvePath(docs[i], key.Field)
			vb, bPresent := resolvePath(docs[j], key.Field)
			cmp := compareSortValues(va, aPresent, vb, bPresent)
			if cmp == 0 {
				continue
			}
			if key.Direction < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// projectionMode inspects a projection document and reports whether it
// is inclusion (true) or exclusion (false). Mixing inclusion and
// exclusion values — other than suppressing _id inside an inclusion —
// is a validation error.
func projectionMode(projection models.Document) (bool, error) {
	includes, excludes := 0, 0
	for field, v := range projection {
		f, ok := toFloat(v)
		if !ok {
			if b, isBool := v.(bool); isBool {
				if b {
					f = 1
				} else {
					f = 0
				}
			} else {
				return false, fmt.Errorf("projection value for %q must be 0 or 1", field)
			}
		}
		if f == 0 {
			if field == "_id" {
				continue
			}
			excludes++
		} else {
			includes++
		}
	}
	if includes > 0 && excludes > 0 {
		return false, fmt.Errorf("projection cannot mix inclusion and exclusion")
	}
	// An exclusion-only projection (or bare {_id:0}) is exclusion mode.
	return includes > 0, nil
}

func isExcluded(projection models.Document, field string) bool {
	v, ok := projection[field]
	if !ok {
		return false
	}
	if f, ok := toFloat(v); ok {
		return f == 0
	}
	if b, ok := v.(bool); ok {
		return !b
	}
	return false
}

// ApplyProjection transforms a document according to the projection.
// An empty projection returns a copy of the document unchanged. In
// inclusion mode _id is retained unless suppressed with _id:0.
func ApplyProjection(doc models.Document, projection models.Document) (models.Document, error) {
	if len(projection) == 0 {
		return helpers.CloneDocument(doc), nil
	}

	inclusion, err := projectionMode(projection)
	if err != nil {
		return nil, err
	}

	if inclusion {
		out := make(models.Document)
		for field := range projection {
			if isExcluded(projection, field) {
				continue
			}
			if v, ok := doc[field]; ok {
				out[field] = helpers.CloneValue(v)
			}
		}
		if _, has := doc["_id"]; has && !isExcluded(projection, "_id") {
			out["_id"] = doc["_id"]
		}
		return out, nil
	}

	out := helpers.CloneDocument(doc)
	for field := range projection {
		if isExcluded(projection, field) {
			delete(out, field)
		}
	}
	return out, nil
}

// ExecuteFind runs the full query pipeline: filter, sort, paginate,
// project. The input sequence is never mutated; returned documents are
// fresh copies.
func ExecuteFind(docs []models.Document, query models.Document, spec []SortField,
	projection models.Document, limit, skip int) ([]models.Document, error) {

	matched := FilterDocuments(docs, query)
	SortDocuments(matched, spec)

	if skip < 0 {
		skip = 0
	}
	if skip >= len(matched) {
		return []models.Document{}, nil
	}
	end := len(matched)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	window := matched[skip:end]

	results := make([]models.Document, 0, len(window))
	for _, doc := range window {
		projected, err := ApplyProjection(doc, projection)
		if err != nil {
			return nil, err
		}
		results = append(results, projected)
	}
	return results, nil
}

// setPath writes a value at a dot-separated path, creating intermediate
// objects as needed. An existing non-object intermediate is an error.
func setPath(doc models.Document, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			child := make(map[string]interface{})
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot create path %q: %q is not an object", path, part)
		}
		current = child
	}
	current[parts[len(parts)-1]] = value
	return nil
}

func unsetPath(doc models.Document, path string) {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

func incPath(doc models.Document, path string, delta interface{}) error {
	amount, ok := toFloat(delta)
	if !ok {
		return fmt.Errorf("$inc amount for %q must be numeric", path)
	}
	existing, present := resolvePath(doc, path)
	base := 0.0
	if present {
		f, ok := toFloat(existing)
		if !ok {
			return fmt.Errorf("$inc target %q is not numeric", path)
		}
		base = f
	}
	return setPath(doc, path, base+amount)
}

// applyUpdateOperators mutates doc in place according to an
// operator-style update document. Unknown operators are an error and
// leave the document untouched (the caller discards the working copy).
func applyUpdateOperators(doc models.Document, update models.Document) error {
	for op, arg := range update {
		fields, ok := arg.(map[string]interface{})
		if !ok {
			return fmt.Errorf("update operator %q requires an object argument", op)
		}
		switch op {
		case "$set":
			for path, value := range fields {
				if path == "_id" {
					continue
				}
				if err := setPath(doc, path, helpers.CloneValue(value)); err != nil {
					return err
				}
			}
		case "$unset":
			for path := range fields {
				if path == "_id" {
					continue
				}
				unsetPath(doc, path)
			}
		case "$inc":
			for path, delta := range fields {
				if err := incPath(doc, path, delta); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown update operator %q", op)
		}
	}
	return nil
}

func isOperatorUpdate(update models.Document) (bool, error) {
	ops, plain := 0, 0
	for k := range update {
		if strings.HasPrefix(k, "$") {
			ops++
		} else {
			plain++
		}
	}
	if ops > 0 && plain > 0 {
		return false, fmt.Errorf("update document cannot mix operators and plain fields")
	}
	return ops > 0, nil
}

// ExecuteUpdate applies an update document to every match in docs. It
// returns the new sequence and the modified documents; on any error the
// original sequence is returned unchanged. The _id of a matched
// document is immutable in both update modes.
func ExecuteUpdate(docs []models.Document, query models.Document,
	update models.Document) ([]models.Document, []models.Document, error) {

	operatorMode, err := isOperatorUpdate(update)
	if err != nil {
		return docs, nil, err
	}

	out := make([]models.Document, len(docs))
	var modified []models.Document
	for i, doc := range docs {
		if !MatchDocument(doc, query) {
			out[i] = doc
			continue
		}

		if operatorMode {
			working := helpers.CloneDocument(doc)
			if err := applyUpdateOperators(working, update); err != nil {
				return docs, nil, err
			}
			out[i] = working
			modified = append(modified, working)
			continue
		}

		// Wholesale replacement preserving the primary key.
		replacement := helpers.CloneDocument(update)
		if id, ok := doc["_id"]; ok {
			replacement["_id"] = id
		}
		out[i] = replacement
		modified = append(modified, replacement)
	}
	return out, modified, nil
}
