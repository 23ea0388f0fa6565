// Package kvstore is the small synchronous storage tier: a flat key→value
// namespace for flags, cached credentials and engine config. Writes are
// durable before the call returns, which is what lets the durable store's
// readiness probe do a trivial write+remove round-trip against it.
package kvstore

// Store is a flat key→value store with synchronous, durable writes.
type Store interface {
	// Get returns the value for key, with ok=false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	// Set writes the value for key, overwriting any previous value.
	Set(key, value string) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys returns all stored keys in unspecified order.
	Keys() ([]string, error)
	// Clear removes all keys.
	Clear() error
	// Size returns the total stored size in bytes.
	Size() (int64, error)
}
