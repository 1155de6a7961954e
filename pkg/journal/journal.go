// Package journal records every pipeline action in an append-only,
// hash-chained log.
//
//   - Each entry is hash-chained to its predecessor
//   - Append-only; no deletions or mutations
//   - Backends: in-memory, SQLite, Postgres
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType categorizes what a journal entry records.
type EntryType string

const (
	EntryKeyGenerated   EntryType = "key_generated"
	EntryArtifactHashed EntryType = "artifact_hashed"
	EntryArtifactSigned EntryType = "artifact_signed"
	EntryVerification   EntryType = "verification"
	EntryGateDecision   EntryType = "gate_decision"
	EntryChannelPublish EntryType = "channel_publish"
)

const genesisHash = "genesis"

var (
	ErrUnknownBackend = errors.New("journal: unknown backend")
	ErrChainBroken    = errors.New("journal: chain broken")
)

// Entry is an immutable, hash-chained record of one pipeline action.
type Entry struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      EntryType      `json:"type"`
	Release   string         `json:"release,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	EntryHash string         `json:"entry_hash"`
	PrevHash  string         `json:"prev_hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Type    EntryType
	Release string
	Limit   int
}

// Journal is an append-only log of pipeline actions.
type Journal interface {
	Append(ctx context.Context, typ EntryType, release string, payload map[string]any) (*Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	VerifyChain(ctx context.Context) error
	Close() error
}

// Open builds a journal for the named backend. The returned journal
// owns any underlying database handle and releases it on Close.
func Open(ctx context.Context, backend, dsn string) (Journal, error) {
	switch backend {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("journal: open sqlite: %w", err)
		}
		return NewSQLite(db)
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("journal: open postgres: %w", err)
		}
		j := NewPostgres(db)
		if err := j.Init(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: init postgres schema: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// entryHash chains an entry to its predecessor. The timestamp is
// deliberately excluded so a chain survives storage round-trips that
// reformat times.
func entryHash(seq uint64, typ EntryType, release string, payload json.RawMessage, prev string) string {
	hashInput := struct {
		Seq     uint64          `json:"seq"`
		Type    string          `json:"type"`
		Release string          `json:"release"`
		Payload json.RawMessage `json:"payload"`
		Prev    string          `json:"prev"`
	}{seq, string(typ), release, payload, prev}

	raw, _ := json.Marshal(hashInput)
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:])
}

func marshalPayload(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal payload: %w", err)
	}
	return raw, nil
}

// Memory is the in-process journal used for tests and single runs.
type Memory struct {
	mu       sync.RWMutex
	entries  []Entry
	raw      []json.RawMessage
	headHash string
	clock    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{headHash: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Append(_ context.Context, typ EntryType, release string, payload map[string]any) (*Entry, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := uint64(len(m.entries)) + 1
	e := Entry{
		ID:        uuid.NewString(),
		Seq:       seq,
		Type:      typ,
		Release:   release,
		Payload:   payload,
		EntryHash: entryHash(seq, typ, release, raw, m.headHash),
		PrevHash:  m.headHash,
		CreatedAt: m.clock().UTC(),
	}
	m.entries = append(m.entries, e)
	m.raw = append(m.raw, raw)
	m.headHash = e.EntryHash
	return &e, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Release != "" && e.Release != f.Release {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) VerifyChain(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prev := genesisHash
	for i, e := range m.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d expected prev %s, got %s", ErrChainBroken, i+1, prev, e.PrevHash)
		}
		if computed := entryHash(e.Seq, e.Type, e.Release, m.raw[i], e.PrevHash); computed != e.EntryHash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, i+1)
		}
		prev = e.EntryHash
	}
	return nil
}

func (m *Memory) Close() error { return nil }
