package replay

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tathienbao/indicator-hub/internal/alerting"
	"github.com/tathienbao/indicator-hub/internal/config"
	"github.com/tathienbao/indicator-hub/internal/feed"
	"github.com/tathienbao/indicator-hub/internal/metrics"
	"github.com/tathienbao/indicator-hub/internal/persistence"
	"github.com/tathienbao/indicator-hub/internal/pipeline"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func genQuotes(n int) []series.Quote {
	r := rand.New(rand.NewSource(11))
	out := make([]series.Quote, n)
	price := 50.0
	for i := range out {
		price = math.Max(5, price+r.Float64()*2-1)
		out[i] = series.Quote{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromFloat(price).Round(2),
			High:      decimal.NewFromFloat(price + r.Float64()).Round(2),
			Low:       decimal.NewFromFloat(price - r.Float64()).Round(2),
			Close:     decimal.NewFromFloat(price).Round(2),
			Volume:    decimal.NewFromInt(100),
		}
	}
	return out
}

func newPipeline(t *testing.T, yaml string) (*config.Config, *pipeline.Pipeline) {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	p, err := pipeline.New(cfg, hub.Settings{})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return cfg, p
}

const baseYAML = `
source: {name: es, symbol: ES}
feed: {path: unused.csv}
nodes:
  - {name: ema, type: ema, params: {period: 10}}
  - {name: rsi, type: rsi}
  - {name: atr, type: atr}
`

// mutations appends quotes with one late arrival, one resend and one
// removal.
func mutations(quotes []series.Quote) []feed.Event {
	var events []feed.Event
	for i, q := range quotes {
		if i == 40 {
			continue
		}
		events = append(events, feed.Event{Op: feed.OpAdd, Quote: q})
	}
	events = append(events,
		feed.Event{Op: feed.OpInsert, Quote: quotes[40]},
		feed.Event{Op: feed.OpAdd, Quote: quotes[60]},
		feed.Event{Op: feed.OpRemove, Quote: series.Quote{Timestamp: quotes[70].Timestamp}},
	)
	return events
}

func TestRunner_Converges(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	quotes := genQuotes(120)

	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(mutations(quotes)), p, nil)
	r.SetRecorder(metrics.NewRecorder())

	var updates int
	r.SetProgressCallback(func(ProgressUpdate) { updates++ })

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, persistence.RunConverged, res.Status)
	assert.Equal(t, 122, res.Events)
	assert.Equal(t, 122, res.Applied)
	assert.Equal(t, 3, res.Rebuilds)
	assert.Empty(t, res.Errors)
	assert.Zero(t, res.Mismatches)
	require.Len(t, res.Checks, 3)
	assert.Equal(t, 122, updates)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, r.Reference(), 119)
}

func TestRunner_RejectedDuplicateIsReportedAndSkipped(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	quotes := genQuotes(50)

	conflict := quotes[20]
	conflict.Close = conflict.Close.Add(decimal.NewFromInt(1))
	conflict.High = conflict.High.Add(decimal.NewFromInt(1))

	events := append(feed.Adds(quotes), feed.Event{Op: feed.OpAdd, Quote: conflict},
		feed.Event{Op: feed.OpRemove, Quote: series.Quote{Timestamp: t0.Add(-time.Hour)}})

	res, err := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(events), p, nil).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], series.ErrDuplicateKey)
	assert.Equal(t, 50, res.Errors[0].Index)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, persistence.RunConverged, res.Status)
}

func TestRunner_ReplacePolicyMirrorsCorrections(t *testing.T) {
	cfg, p := newPipeline(t, `
source: {name: es, duplicate_policy: replace, max_cache_size: 60}
feed: {path: unused.csv}
nodes:
  - {name: ema, type: ema, params: {period: 10}}
  - {name: sma_of_ema, type: sma, source: ema, params: {period: 4}}
`)
	quotes := genQuotes(100)
	corrected := quotes[95]
	corrected.Close = corrected.Close.Add(decimal.NewFromInt(2))
	corrected.High = corrected.High.Add(decimal.NewFromInt(2))

	old := quotes[0]
	old.Timestamp = t0.Add(-time.Hour)

	events := append(feed.Adds(quotes), feed.Event{Op: feed.OpAdd, Quote: corrected},
		feed.Event{Op: feed.OpInsert, Quote: old})

	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(events), p, nil)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, persistence.RunConverged, res.Status)
	// The pruned root refuses history it no longer holds.
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], series.ErrOutOfRange)
	assert.Len(t, r.Reference(), 100)
	assert.True(t, r.Reference()[95].Equal(corrected))
}

func TestRunner_FullRootRejectsPreHistory(t *testing.T) {
	cfg, p := newPipeline(t, `
source: {name: es, max_cache_size: 10}
feed: {path: unused.csv}
nodes:
  - {name: sma, type: sma, params: {period: 3}}
`)
	quotes := genQuotes(11)
	events := append(feed.Adds(quotes[1:]), feed.Event{Op: feed.OpInsert, Quote: quotes[0]})

	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(events), p, nil)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], series.ErrOutOfRange)
	assert.Equal(t, 10, res.Errors[0].Index)
	assert.Equal(t, 10, res.Applied)
	assert.Zero(t, res.Skipped)
	assert.Len(t, r.Reference(), 10)
	assert.True(t, r.Reference()[0].Equal(quotes[1]))
	assert.Equal(t, persistence.RunConverged, res.Status)
}

func TestRunner_StopOnError(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	quotes := genQuotes(10)

	bad := quotes[3]
	bad.Close = decimal.NewFromInt(999)
	events := append(feed.Adds(quotes[:5]), feed.Event{Op: feed.OpAdd, Quote: bad})
	events = append(events, feed.Adds(quotes[5:])...)

	rc := ConfigFrom(cfg)
	rc.StopOnError = true
	res, err := NewRunner(rc, feed.NewMemoryFeed(events), p, nil).Run(context.Background())

	var ee EventError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 5, ee.Index)
	assert.Equal(t, persistence.RunFailed, res.Status)
	assert.Equal(t, 5, p.Root().Results().Len())
}

func TestRunner_TimeFilters(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	quotes := genQuotes(30)

	rc := ConfigFrom(cfg)
	rc.StartTime = quotes[5].Timestamp
	rc.EndTime = quotes[24].Timestamp

	res, err := NewRunner(rc, feed.NewMemoryFeed(feed.Adds(quotes)), p, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Events)
	assert.Equal(t, 10, res.Skipped)
	assert.Equal(t, 20, p.Root().Results().Len())
}

func TestRunner_SkipVerify(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML+"replay: {skip_verify: true}\n")

	res, err := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(feed.Adds(genQuotes(20))), p, nil).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, persistence.RunUnchecked, res.Status)
	assert.Nil(t, res.Checks)
}

func TestRunner_Cancelled(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(feed.Adds(genQuotes(100))), p, nil)
	r.SetProgressCallback(func(u ProgressUpdate) {
		if u.Event == 0 {
			cancel()
		}
	})

	res, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, persistence.RunFailed, res.Status)
	assert.Less(t, res.Events, 100)
}

func TestRunner_PersistsRun(t *testing.T) {
	repo, err := persistence.NewSQLiteRepository(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	cfg, p := newPipeline(t, baseYAML)
	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(mutations(genQuotes(80))), p, nil)
	r.SetStore(repo)

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	run, err := repo.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "ES", run.Symbol)
	assert.Equal(t, "memory", run.Source)
	assert.Equal(t, 3, run.Nodes)
	assert.Equal(t, res.Events, run.Events)
	assert.Equal(t, persistence.RunConverged, run.Status)
}

type failingStore struct{}

func (failingStore) SaveRun(context.Context, persistence.Run) error {
	return errors.New("database is locked")
}

func TestRunner_StoreFailureIsReturned(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(feed.Adds(genQuotes(5))), p, nil)
	r.SetStore(failingStore{})

	res, err := r.Run(context.Background())
	require.ErrorContains(t, err, "database is locked")
	assert.Equal(t, persistence.RunConverged, res.Status)
}

func TestRunner_QuietWhenConverged(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	mock := alerting.NewMockAlerter(nil)

	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(feed.Adds(genQuotes(30))), p, nil)
	r.SetAlerter(mock, false)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mock.Alerts())
}

func TestRunner_AlertsOnRejectedEvents(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	quotes := genQuotes(30)
	conflict := quotes[3]
	conflict.Close = conflict.Close.Add(decimal.NewFromInt(1))
	conflict.High = conflict.High.Add(decimal.NewFromInt(1))
	events := append(feed.Adds(quotes), feed.Event{Op: feed.OpAdd, Quote: conflict})
	mock := alerting.NewMockAlerter(nil)

	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(events), p, nil)
	r.SetAlerter(mock, true)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	alerts := mock.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, alerting.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "1 feed events rejected", alerts[0].Message)
	assert.Equal(t, alerting.SeverityInfo, alerts[1].Severity)
	assert.Equal(t, "replay converged", alerts[1].Message)
}

func TestRunner_AlertsOnFailure(t *testing.T) {
	cfg, p := newPipeline(t, baseYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := alerting.NewMockAlerter(errors.New("telegram down"))
	r := NewRunner(ConfigFrom(cfg), feed.NewMemoryFeed(feed.Adds(genQuotes(50))), p, nil)
	r.SetAlerter(mock, false)
	r.SetProgressCallback(func(u ProgressUpdate) {
		if u.Event == 0 {
			cancel()
		}
	})

	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "telegram down")

	alerts := mock.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "replay failed", alerts[0].Message)
}
