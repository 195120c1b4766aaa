// Package dedupe provides a TTL cache for rejecting replayed send
// requests before they reach storage. The cache is an optimization; the
// unique index on (conversation, sender, client_ref) in the store is the
// correctness backstop.
package dedupe
