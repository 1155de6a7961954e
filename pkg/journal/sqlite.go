package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLite persists the journal in a local database file. It is the
// default durable backend for single-host pipelines.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLite(db *sql.DB) (*SQLite, error) {
	j := &SQLite{db: db, clock: time.Now}
	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("journal: migrate sqlite: %w", err)
	}
	return j, nil
}

// WithClock overrides the clock for testing.
func (j *SQLite) WithClock(clock func() time.Time) *SQLite {
	j.clock = clock
	return j
}

func (j *SQLite) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS journal_entries (
        seq INTEGER PRIMARY KEY,
        id TEXT NOT NULL,
        entry_type TEXT NOT NULL,
        release_version TEXT NOT NULL DEFAULT '',
        payload JSON,
        entry_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        created_at DATETIME
    );`
	_, err := j.db.ExecContext(context.Background(), query)
	return err
}

func (j *SQLite) Append(ctx context.Context, typ EntryType, release string, payload map[string]any) (*Entry, error) {
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
	row := tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM journal_entries ORDER BY seq DESC LIMIT 1`)
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
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, string(e.Type), e.Release, string(raw), e.EntryHash, e.PrevHash,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("journal: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (j *SQLite) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT seq, id, entry_type, release_version, payload, entry_hash, prev_hash, created_at FROM journal_entries`
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "entry_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Release != "" {
		conds = append(conds, "release_version = ?")
		args = append(args, f.Release)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, _, err := scanEntry(rows)
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

func (j *SQLite) VerifyChain(ctx context.Context) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, id, entry_type, release_version, payload, entry_hash, prev_hash, created_at FROM journal_entries ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	for rows.Next() {
		e, raw, err := scanEntry(rows)
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

func (j *SQLite) Close() error { return j.db.Close() }

func scanEntry(rows *sql.Rows) (Entry, json.RawMessage, error) {
	var (
		e          Entry
		typ        string
		payloadStr sql.NullString
		createdAt  string
	)
	if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.Release, &payloadStr, &e.EntryHash, &e.PrevHash, &createdAt); err != nil {
		return Entry{}, nil, err
	}
	e.Type = EntryType(typ)
	e.CreatedAt = parseTime(createdAt)

	raw := json.RawMessage("{}")
	if payloadStr.Valid && payloadStr.String != "" {
		raw = json.RawMessage(payloadStr.String)
		_ = json.Unmarshal(raw, &e.Payload)
	}
	return e, raw, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
