// Package idempotency replays the first response stored for an Idempotency-Key so that a retried
// checkout never places a second order.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long stored responses stay replayable.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle stage of a key.
type State string

const (
	StateInFlight State = "in_flight"
	StateDone     State = "done"
)

// Outcome describes what Begin found for a key.
type Outcome int

const (
	// OutcomeStarted means the caller owns the key and must Finish or Abandon it.
	OutcomeStarted Outcome = iota
	// OutcomeReplay means a completed response exists.
	OutcomeReplay
	// OutcomeBusy means another request holds the key.
	OutcomeBusy
)

// Entry is the persisted state for one key.
type Entry struct {
	Key         string
	Fingerprint string
	State       State
	Status      int
	Header      map[string][]string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists keys and their captured responses.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Finish(ctx context.Context, key string, entry Entry) error
	Abandon(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

func documentID(key string) string {
	return hashHex([]byte(strings.TrimSpace(key)))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func expired(entry Entry, now time.Time) bool {
	return !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt)
}

func pending(key, fingerprint string, now time.Time, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// classify maps an existing entry to the outcome seen by a new request.
func classify(existing Entry, fingerprint string) (Outcome, Entry, error) {
	if existing.Fingerprint != fingerprint {
		return OutcomeBusy, Entry{}, ErrFingerprintMismatch
	}
	if existing.State == StateDone {
		return OutcomeReplay, existing, nil
	}
	return OutcomeBusy, existing, nil
}

// storableHeader drops hop-by-hop and per-response headers from a captured response.
func storableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "X-Request-Id":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
