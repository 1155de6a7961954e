package journal

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLiteJournal(t *testing.T, path string) (*SQLite, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	j, err := NewSQLite(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, db
}

func TestSQLiteAppendAndChain(t *testing.T) {
	ctx := context.Background()
	j, _ := openSQLiteJournal(t, filepath.Join(t.TempDir(), "journal.db"))

	first, err := j.Append(ctx, EntryArtifactHashed, "1.2.0", map[string]any{"artifact": "demo.tar.gz", "sha256": "ab"})
	require.NoError(t, err)
	second, err := j.Append(ctx, EntryArtifactSigned, "1.2.0", map[string]any{"artifact": "demo.tar.gz"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	require.NoError(t, j.VerifyChain(ctx))

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "demo.tar.gz", all[0].Payload["artifact"])
	assert.Equal(t, first.EntryHash, all[0].EntryHash)
	assert.False(t, all[0].CreatedAt.IsZero())
}

func TestSQLiteTamperDetected(t *testing.T) {
	ctx := context.Background()
	j, db := openSQLiteJournal(t, filepath.Join(t.TempDir(), "journal.db"))

	_, err := j.Append(ctx, EntryGateDecision, "1.0.0", map[string]any{"decision": "published"})
	require.NoError(t, err)
	_, err = j.Append(ctx, EntryChannelPublish, "1.0.0", map[string]any{"channel": "github"})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE journal_entries SET payload = '{"decision":"blocked"}' WHERE seq = 1`)
	require.NoError(t, err)

	err = j.VerifyChain(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainBroken))
}

func TestSQLiteFilters(t *testing.T) {
	ctx := context.Background()
	j, _ := openSQLiteJournal(t, filepath.Join(t.TempDir(), "journal.db"))

	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, EntryVerification, "1.0.0", nil)
		require.NoError(t, err)
	}
	_, err := j.Append(ctx, EntryGateDecision, "2.0.0", nil)
	require.NoError(t, err)

	byType, err := j.List(ctx, Filter{Type: EntryVerification})
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	byRelease, err := j.List(ctx, Filter{Release: "2.0.0"})
	require.NoError(t, err)
	require.Len(t, byRelease, 1)
	assert.Equal(t, EntryGateDecision, byRelease[0].Type)

	both, err := j.List(ctx, Filter{Type: EntryVerification, Release: "1.0.0", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, _ := openSQLiteJournal(t, path)
	_, err := j.Append(ctx, EntryKeyGenerated, "", map[string]any{"key_id": "deadbeef"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, _ := openSQLiteJournal(t, path)
	require.NoError(t, reopened.VerifyChain(ctx))

	all, err := reopened.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "deadbeef", all[0].Payload["key_id"])

	next, err := reopened.Append(ctx, EntryVerification, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Seq)
	assert.Equal(t, all[0].EntryHash, next.PrevHash)
}

func TestSQLiteViaFactory(t *testing.T) {
	ctx := context.Background()
	j, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	_, err = j.Append(ctx, EntryVerification, "", nil)
	require.NoError(t, err)
	require.NoError(t, j.VerifyChain(ctx))
}
