// Package eventlog implements the hash-chained, tamper-evident sequence
// of build lifecycle events consumed by read-only viewers. The chain is
// audit evidence, not a consensus protocol: it is never replicated across
// controllers.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the previous_hash of the first event in the chain.
const GenesisHash = ""

// Event is one entry in the hash-chained log.
type Event struct {
	Sequence     int64           `json:"sequence"`
	BuildID      string          `json:"build_id"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	PreviousHash string          `json:"previous_hash"`
	EventHash    string          `json:"event_hash"`
}

// canonicalFields is the deterministic, ordered encoding of an event's
// content hashed into EventHash. Field order is fixed by struct field
// order (Go's encoding/json preserves declaration order), which is what
// makes this canonical without a general-purpose canonicalizer.
type canonicalFields struct {
	Sequence     int64           `json:"sequence"`
	BuildID      string          `json:"build_id"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    string          `json:"created_at"`
	PreviousHash string          `json:"previous_hash"`
}

func canonical(e Event) ([]byte, error) {
	cf := canonicalFields{
		Sequence:     e.Sequence,
		BuildID:      e.BuildID,
		Type:         e.Type,
		Data:         e.Data,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PreviousHash: e.PreviousHash,
	}
	return json.Marshal(cf)
}

// ComputeHash returns SHA-256(canonical(e)) as a lowercase hex string.
// e.EventHash is ignored — it's the output, not an input.
func ComputeHash(e Event) (string, error) {
	b, err := canonical(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Next builds the event that follows prev (nil for the first event in the
// chain) with the given build id, type and data, and stamps its hash.
func Next(prev *Event, seq int64, buildID, eventType string, data json.RawMessage, now time.Time) (Event, error) {
	prevHash := GenesisHash
	if prev != nil {
		prevHash = prev.EventHash
	}
	e := Event{
		Sequence:     seq,
		BuildID:      buildID,
		Type:         eventType,
		Data:         data,
		CreatedAt:    now,
		PreviousHash: prevHash,
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return Event{}, err
	}
	e.EventHash = hash
	return e, nil
}

// Verify walks events in sequence order and checks the chain. It returns
// the sequence number of the first broken link, and ok=true if no break
// was found. events must already be sorted by Sequence ascending.
func Verify(events []Event) (brokenSequence int64, ok bool) {
	prevHash := GenesisHash
	for _, e := range events {
		if e.PreviousHash != prevHash {
			return e.Sequence, false
		}
		want, err := ComputeHash(e)
		if err != nil || want != e.EventHash {
			return e.Sequence, false
		}
		prevHash = e.EventHash
	}
	return 0, true
}
