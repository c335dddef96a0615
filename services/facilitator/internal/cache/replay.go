package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ReplayCache is a Redis-backed counterpart to the core package's in-process
// verified-payment cache. A single facilitator process already refuses to
// settle a payload it hasn't verified within its TTL window; ReplayCache
// extends that guarantee across a horizontally scaled fleet of facilitator
// instances sitting behind the same Redis.
type ReplayCache struct {
	client *Client
	ttl    time.Duration
	prefix string
}

// NewReplayCache builds a ReplayCache. A nil client disables replay
// protection entirely (MarkVerified is a no-op; WasVerified and
// ClaimSettlement report true), matching
// how the rest of the service runs with rate limiting disabled when Redis
// is unavailable.
func NewReplayCache(client *Client, ttl time.Duration) *ReplayCache {
	return &ReplayCache{client: client, ttl: ttl, prefix: "x402:replay:"}
}

// PaymentKey hashes a verified payload/requirements pair into a stable
// replay-cache key, mirroring the core facilitator's own canonical hashing.
func PaymentKey(canonPayload, canonRequirements []byte) string {
	h := sha256.New()
	h.Write(canonPayload)
	h.Write([]byte{0})
	h.Write(canonRequirements)
	return hex.EncodeToString(h.Sum(nil))
}

// MarkVerified records that a payload passed verification, so a later
// Settle call for the same payload can be distinguished from one that
// skipped verification on this instance.
func (r *ReplayCache) MarkVerified(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Set(ctx, r.verifiedKey(key), "1", r.ttl)
}

// WasVerified reports whether MarkVerified was called for this key within
// the TTL window, on any instance sharing this Redis. With replay protection
// disabled (nil client), it reports true so Settle falls through to the
// inner facilitator instead of rejecting every settlement.
func (r *ReplayCache) WasVerified(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}
	return r.client.Exists(ctx, r.verifiedKey(key))
}

// ClaimSettlement atomically claims the right to settle a payload, returning
// false if another instance already settled (or is settling) it. This is
// the guard that prevents a double on-chain settlement when two requests
// for the same payment payload race across facilitator replicas.
func (r *ReplayCache) ClaimSettlement(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}
	return r.client.SetNX(ctx, r.settledKey(key), "1", r.ttl)
}

func (r *ReplayCache) verifiedKey(key string) string {
	return fmt.Sprintf("%sverified:%s", r.prefix, key)
}

func (r *ReplayCache) settledKey(key string) string {
	return fmt.Sprintf("%ssettled:%s", r.prefix, key)
}
