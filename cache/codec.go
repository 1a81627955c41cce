package cache

import "github.com/vmihailenco/msgpack/v5"

// Snapshot serializes v so a later Restore yields an isolated deep
// copy. Cached response envelopes go through a snapshot so callers
// mutating a returned envelope can never corrupt the cached one.
func Snapshot(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Restore deserializes a Snapshot into out.
func Restore(data []byte, out any) error {
	return msgpack.Unmarshal(data, out)
}
