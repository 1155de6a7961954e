package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// Postgres persists the journal in a shared database, letting several
// release hosts append to one chain.
type Postgres struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (j *Postgres) WithClock(clock func() time.Time) *Postgres {
	j.clock = clock
	return j
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	seq BIGINT PRIMARY KEY,
	id TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	release_version TEXT NOT NULL DEFAULT '',
	payload TEXT,
	entry_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ
);`

func (j *Postgres) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, pgSchema)
	return err
}

func (j *Postgres) Append(ctx context.Context, typ EntryType, release string, payload map[string]any) (*Entry, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSeq  uint64
		lastHash string
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM journal_entries ORDER BY seq DESC LIMIT 1 FOR UPDATE`)
	if err := row.Scan(&lastSeq, &lastHash); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		lastHash = genesisHash
	}

	e := Entry{
		ID:        uuid.NewString(),
		Seq:       lastSeq + 1,
		Type:      typ,
		Release:   release,
		Payload:   payload,
		PrevHash:  lastHash,
		CreatedAt: j.clock().UTC(),
	}
	e.EntryHash = entryHash(e.Seq, typ, release, raw, lastHash)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO journal_entries (seq, id, entry_type, release_version, payload, entry_hash, prev_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Seq, e.ID, string(e.Type), e.Release, string(raw), e.EntryHash, e.PrevHash, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (j *Postgres) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT seq, id, entry_type, release_version, payload, entry_hash, prev_hash, created_at FROM journal_entries`
	var args []any
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" WHERE entry_type = $%d", len(args))
	}
	if f.Release != "" {
		args = append(args, f.Release)
		if len(args) == 1 {
			query += fmt.Sprintf(" WHERE release_version = $%d", len(args))
		} else {
			query += fmt.Sprintf(" AND release_version = $%d", len(args))
		}
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, _, err := scanPgEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (j *Postgres) VerifyChain(ctx context.Context) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, id, entry_type, release_version, payload, entry_hash, prev_hash, created_at FROM journal_entries ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	for rows.Next() {
		e, raw, err := scanPgEntry(rows)
		if err != nil {
			return err
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d expected prev %s, got %s", ErrChainBroken, e.Seq, prev, e.PrevHash)
		}
		if computed := entryHash(e.Seq, e.Type, e.Release, raw, e.PrevHash); computed != e.EntryHash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, e.Seq)
		}
		prev = e.EntryHash
	}
	return rows.Err()
}

func (j *Postgres) Close() error { return j.db.Close() }

func scanPgEntry(rows *sql.Rows) (Entry, json.RawMessage, error) {
	var (
		e          Entry
		typ        string
		payloadStr sql.NullString
		createdAt  sql.NullTime
	)
	if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.Release, &payloadStr, &e.EntryHash, &e.PrevHash, &createdAt); err != nil {
		return Entry{}, nil, err
	}
	e.Type = EntryType(typ)
	if createdAt.Valid {
		e.CreatedAt = createdAt.Time
	}

	raw := json.RawMessage("{}")
	if payloadStr.Valid && payloadStr.String != "" {
		raw = json.RawMessage(payloadStr.String)
		_ = json.Unmarshal(raw, &e.Payload)
	}
	return e, raw, nil
}
