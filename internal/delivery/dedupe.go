// Package delivery implements the Delivery Engine (spec §4.2): verified
// injection of message envelopes into agent panes, with dedup, gating,
// compaction-aware verification, and a dual primary/fallback delivery
// path.
//
// The per-pane goroutine/channel shape follows the teacher's
// internal/daemon process-ownership pattern (see internal/ptyd's own doc
// comment); the fingerprint dedup cache is grounded on
// hashicorp/golang-lru/v2, pulled in from r3e-network-service_layer's
// go.mod (the teacher itself has no bounded-cache dependency).
package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentfleet/fleet/internal/types"
)

// DefaultFingerprintCacheSize bounds the per-session recent-fingerprint
// LRU (spec §4.2 "a bounded LRU of recent fingerprints per session").
const DefaultFingerprintCacheSize = 2048

// fingerprint computes the content fingerprint used for dedup: a hash of
// body plus (fromRole, targetRole, sequenceNumber) (spec §4.2 step 1).
func fingerprint(e types.Envelope) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", e.Body, e.FromRole, e.TargetRole, e.SequenceNumber)
	return hex.EncodeToString(h.Sum(nil))
}

// dedupeCache holds one bounded LRU of recent fingerprints per session.
type dedupeCache struct {
	bySession map[string]*lru.Cache[string, struct{}]
	size      int
}

func newDedupeCache(size int) *dedupeCache {
	if size <= 0 {
		size = DefaultFingerprintCacheSize
	}
	return &dedupeCache{bySession: map[string]*lru.Cache[string, struct{}]{}, size: size}
}

// seen records e's fingerprint for its session and reports whether it
// was already present (a duplicate).
func (d *dedupeCache) seen(e types.Envelope) (bool, error) {
	cache, ok := d.bySession[e.SenderSessionID]
	if !ok {
		var err error
		cache, err = lru.New[string, struct{}](d.size)
		if err != nil {
			return false, err
		}
		d.bySession[e.SenderSessionID] = cache
	}
	fp := fingerprint(e)
	if _, dup := cache.Get(fp); dup {
		return true, nil
	}
	cache.Add(fp, struct{}{})
	return false, nil
}
