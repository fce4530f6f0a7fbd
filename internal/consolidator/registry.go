package consolidator

import "strings"

// RecordType is one kind of extracted record file, recognized by file name prefix.
type RecordType struct {
	Name   string
	Prefix string
	// Columns, when set, is the exact header every contributing file must carry
	// under the strict schema policy.
	Columns []string
}

// Registry is an ordered set of record types. The first matching prefix wins.
type Registry struct {
	types []RecordType
}

func NewRegistry(types ...RecordType) *Registry {
	return &Registry{types: types}
}

// DefaultRegistry holds the record types found in panelist exports.
func DefaultRegistry() *Registry {
	return NewRegistry(
		RecordType{Name: "screenshot_data", Prefix: "screenshot_data"},
		RecordType{Name: "app_accessibility_data", Prefix: "app_accessibility_data"},
		RecordType{Name: "app_segment_data", Prefix: "app_segment_data"},
		RecordType{Name: "session_data", Prefix: "session_data"},
	)
}

// Match returns the record type for a file base name.
func (r *Registry) Match(baseName string) (RecordType, bool) {
	for _, t := range r.types {
		if strings.HasPrefix(baseName, t.Prefix) {
			return t, true
		}
	}
	return RecordType{}, false
}

func (r *Registry) Types() []RecordType {
	return r.types
}
