// Package types holds the data model shared by the cache, the codec and the
// HTTP layer.
package types

// Metadata is opaque caller-supplied data attached to a vector.
type Metadata = map[string]any

// VectorRecord is a vector plus its optional metadata, keyed by an integer id
// scoped to a single user. Records are immutable once inserted.
type VectorRecord struct {
	// ID is the vector id allocated by the caller (monotonic per user)
	ID uint64 `json:"id" msgpack:"id"`
	// Vector holds the embedding values
	Vector []float32 `json:"vector" msgpack:"vector"`
	// Metadata is optional; nil when the caller supplied none
	Metadata Metadata `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// CloneMetadata returns a shallow copy of m, or nil for an empty map.
func CloneMetadata(m Metadata) Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
