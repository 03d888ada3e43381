package repository

import "time"

// IdempotencyRepository de-duplicates retried verification intents.
// A network-level retry carrying the same key must see the first outcome
// instead of being applied a second time.
type IdempotencyRepository interface {
	// Claim registers the key. When the key was already claimed it returns
	// replay=true together with the outcome stored for the first application
	// (empty if the first application is still in flight).
	Claim(key string, ttl time.Duration) (outcome string, replay bool, err error)
	// StoreOutcome records the result of the first application of the key.
	StoreOutcome(key, outcome string, ttl time.Duration) error
	// Release drops a claim whose application ended without a stored outcome,
	// so a retry with the same key can be applied instead of conflicting
	// until the claim TTL runs out.
	Release(key string) error
}
