package catalog

import (
	"fmt"
	"reflect"
)

// Record kinds understood by the catalog.
const (
	KindDataset  = "dataset"
	KindResource = "resource"
	KindView     = "view"
)

// Record is the string-keyed representation of one catalog record. Values
// are JSON-like (strings, numbers, bools, nil, []any, map[string]any). A
// persisted record carries an "id" field; a record that only exists locally
// does not.
type Record map[string]any

// ID returns the server-assigned id, or "" if the record has not been
// persisted yet.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// StringField returns the value of a string field. The second return value
// reports whether the field exists and is a string.
func (r Record) StringField(key string) (string, bool) {
	value, ok := r[key].(string)
	return value, ok
}

// Clone returns a deep copy of the record. Only JSON-like values are
// supported; anything else (open handles, channels) must not be stored in a
// record, since it would also break structural equality. Nested maps are
// normalized to map[string]any so clones compare structurally against
// JSON-decoded server responses.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = copyValue(value)
	}
	return out
}

// AsRecord views a value as a Record without copying, so mutations through
// the returned record are visible to holders of the original value.
func AsRecord(v any) (Record, bool) {
	switch typed := v.(type) {
	case Record:
		return typed, true
	case map[string]any:
		return Record(typed), true
	default:
		return nil, false
	}
}

// Equal reports structural equality with another record.
func (r Record) Equal(other Record) bool {
	if len(r) == 0 && len(other) == 0 {
		return true
	}
	return reflect.DeepEqual(r, other)
}

// ReplaceWith replaces the record's contents with a deep copy of src while
// keeping the map identity intact. Callers that hold an alias to the record
// (for example a dataset's inline resource list) observe the new contents.
func (r Record) ReplaceWith(src Record) {
	for key := range r {
		delete(r, key)
	}
	for key, value := range src {
		r[key] = copyValue(value)
	}
}

func copyValue(v any) any {
	switch typed := v.(type) {
	case Record:
		return copyValue(map[string]any(typed))
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = copyValue(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = copyValue(value)
		}
		return out
	default:
		return typed
	}
}

// Describe renders a short human-readable identity for log messages.
func Describe(kind string, r Record) string {
	if id := r.ID(); id != "" {
		return fmt.Sprintf("%s %s", kind, id)
	}
	return fmt.Sprintf("unsaved %s", kind)
}
