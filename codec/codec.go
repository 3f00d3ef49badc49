// Package codec provides pluggable value serialization for respcache.
// The cache encodes values before handing them to a Store and decodes on
// the way back; stores only ever see bytes.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
