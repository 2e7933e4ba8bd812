package domain

// Metadata is an unstructured metadata container for domain entities.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

// ScopeFilters narrows a run to a subset of subjects. Keys with nil values
// are dropped during normalization; key order never matters.
type ScopeFilters map[string]any

func (f ScopeFilters) Clone() ScopeFilters {
	if f == nil {
		return ScopeFilters{}
	}
	copy := make(ScopeFilters, len(f))
	for k, v := range f {
		copy[k] = v
	}
	return copy
}
