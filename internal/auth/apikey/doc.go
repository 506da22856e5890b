// Package apikey hashes API keys, looks them up by hash and extracts them
// from requests.
//
// Only digests are stored or compared. The raw key exists for the duration
// of one request and is never logged; Fingerprint gives a log-safe prefix of
// the digest instead.
//
// Stores compose:
//
//	var store apikey.Store = apikey.NewMemoryStore()
//	store = apikey.NewInstrumentedStore(store, metrics)
//	store = apikey.NewCachingStore(store, 30*time.Second, 10000)
package apikey
