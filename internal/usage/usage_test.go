package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, Migrate(db))
}

func TestTrackerRecordsAndSummarizes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tracker := NewTracker(db, "claude-sonnet-4-20250514")
	require.NotEmpty(t, tracker.RunID())

	tracker.RecordCall(ctx, "event_extraction", 1200, 300, 2*time.Second)
	tracker.RecordCall(ctx, "event_extraction", 900, 250, 1500*time.Millisecond)
	tracker.RecordCall(ctx, "merge_scoring", 2000, 150, 3*time.Second)

	summaries, err := Summary(ctx, db, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Ordered by operation name.
	assert.Equal(t, "event_extraction", summaries[0].Operation)
	assert.Equal(t, 2, summaries[0].Calls)
	assert.Equal(t, int64(2100), summaries[0].InputTokens)
	assert.Equal(t, int64(550), summaries[0].OutputTokens)
	assert.Equal(t, 3500*time.Millisecond, summaries[0].TotalTime)

	assert.Equal(t, "merge_scoring", summaries[1].Operation)
	assert.Equal(t, 1, summaries[1].Calls)
}

func TestSummaryRespectsSince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	NewTracker(db, "test-model").RecordCall(ctx, "merge_scoring", 100, 10, time.Second)

	summaries, err := Summary(ctx, db, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestRecordCallSwallowsWriteErrors(t *testing.T) {
	db := testDB(t)
	tracker := NewTracker(db, "test-model")
	require.NoError(t, db.Close())

	// Must not panic or surface the error.
	tracker.RecordCall(context.Background(), "merge_scoring", 1, 1, time.Second)
}
