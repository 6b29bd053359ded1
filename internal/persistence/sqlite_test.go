package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "hub-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func quote(i int, c string) series.Quote {
	px := decimal.RequireFromString(c)
	return series.Quote{
		Timestamp: t0.Add(time.Duration(i) * time.Minute),
		Open:      px,
		High:      px.Add(decimal.RequireFromString("0.25")),
		Low:       px.Sub(decimal.RequireFromString("0.25")),
		Close:     px,
		Volume:    decimal.NewFromInt(int64(100 + i)),
	}
}

func TestSQLiteRepository_QuotesRoundTripInOrder(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	in := []series.Quote{quote(2, "101.5"), quote(0, "100.125"), quote(1, "100.75")}
	n, err := repo.SaveQuotes(ctx, "ES", in)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := repo.GetQuotes(ctx, "ES", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(in[1]))
	assert.True(t, got[1].Equal(in[2]))
	assert.True(t, got[2].Equal(in[0]))
	assert.Equal(t, "100.125", got[0].Close.String())
}

func TestSQLiteRepository_SaveQuotesUpserts(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	_, err := repo.SaveQuotes(ctx, "ES", []series.Quote{quote(0, "100"), quote(1, "101")})
	require.NoError(t, err)
	_, err = repo.SaveQuotes(ctx, "ES", []series.Quote{quote(1, "99")})
	require.NoError(t, err)

	count, err := repo.CountQuotes(ctx, "ES")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := repo.GetQuotes(ctx, "ES", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "99", got[1].Close.String())
}

func TestSQLiteRepository_SaveQuotesRejectsBadBarAtomically(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	bad := quote(1, "100")
	bad.High, bad.Low = bad.Low, bad.High

	_, err := repo.SaveQuotes(ctx, "ES", []series.Quote{quote(0, "100"), bad})
	require.ErrorIs(t, err, series.ErrInvalidData)

	count, err := repo.CountQuotes(ctx, "ES")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteRepository_GetQuotesRange(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	var in []series.Quote
	for i := 0; i < 10; i++ {
		in = append(in, quote(i, "100"))
	}
	_, err := repo.SaveQuotes(ctx, "ES", in)
	require.NoError(t, err)
	_, err = repo.SaveQuotes(ctx, "NQ", in[:2])
	require.NoError(t, err)

	got, err := repo.GetQuotes(ctx, "ES", in[3].Timestamp, in[6].Timestamp)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[0].Timestamp.Equal(in[3].Timestamp))

	got, err = repo.GetQuotes(ctx, "ES", in[8].Timestamp, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	symbols, err := repo.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ES", "NQ"}, symbols)
}

func TestSQLiteRepository_DeleteQuote(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	_, err := repo.SaveQuotes(ctx, "ES", []series.Quote{quote(0, "100"), quote(1, "101")})
	require.NoError(t, err)

	ok, err := repo.DeleteQuote(ctx, "ES", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DeleteQuote(ctx, "ES", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := repo.CountQuotes(ctx, "ES")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteRepository_Runs(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	missing, err := repo.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := Run{
		ID:         uuid.New().String(),
		Symbol:     "ES",
		Source:     "testdata/es.csv",
		StartedAt:  t0,
		FinishedAt: t0.Add(1500 * time.Millisecond),
		Events:     502,
		Rejected:   1,
		Rebuilds:   7,
		Nodes:      4,
		Status:     RunConverged,
	}
	second := first
	second.ID = uuid.New().String()
	second.StartedAt = t0.Add(time.Hour)
	second.FinishedAt = second.StartedAt.Add(time.Second)
	second.Mismatches = 3
	second.Status = RunDiverged
	second.Detail = "EMA(5): 3 rows differ"

	require.NoError(t, repo.SaveRun(ctx, first))
	require.NoError(t, repo.SaveRun(ctx, second))

	got, err := repo.GetRun(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, *got)
	assert.Equal(t, 1500*time.Millisecond, got.Duration())

	runs, err := repo.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, RunDiverged, runs[0].Status)
}

func TestSQLiteRepository_DataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	_, err = repo.SaveQuotes(ctx, "ES", []series.Quote{quote(0, "100"), quote(1, "101")})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = NewSQLiteRepository(path)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	require.NoError(t, repo.Migrate(ctx))
	count, err := repo.CountQuotes(ctx, "ES")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
