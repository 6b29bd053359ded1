package pipeline

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tathienbao/indicator-hub/internal/config"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func genQuotes(n int) []series.Quote {
	r := rand.New(rand.NewSource(7))
	out := make([]series.Quote, n)
	price := 100.0
	for i := range out {
		price = math.Max(10, price+r.Float64()*4-2)
		open := price + r.Float64() - 0.5
		out[i] = series.Quote{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromFloat(open).Round(2),
			High:      decimal.NewFromFloat(math.Max(open, price) + r.Float64()).Round(2),
			Low:       decimal.NewFromFloat(math.Min(open, price) - r.Float64()).Round(2),
			Close:     decimal.NewFromFloat(price).Round(2),
			Volume:    decimal.NewFromInt(int64(1000 + r.Intn(5000))),
		}
	}
	return out
}

const fullYAML = `
source:
  name: es
feed:
  path: unused.csv
nodes:
  - {name: sma20, type: sma, params: {period: 20}}
  - {name: ema_of_sma, type: ema, source: sma20, params: {period: 10}}
  - {name: rsi14, type: rsi}
  - {name: rsi_sma, type: sma, source: rsi14, params: {period: 5}}
  - {name: macd, type: macd}
  - {name: atr14, type: atr}
  - {name: sd, type: stddev, params: {period: 10}}
  - {name: bb, type: bollinger, params: {period: 20, k: 2.5}}
  - {name: stoch, type: stoch}
  - {name: srsi, type: stochrsi}
  - {name: bars5, type: bars, interval: 5m}
  - {name: bars_ema, type: ema, source: bars5, params: {period: 3}}
  - {name: bars_atr, type: atr, source: bars5, params: {period: 5}}
`

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func requireConverged(t *testing.T, checks []Check) {
	t.Helper()
	for _, c := range checks {
		if !c.OK() {
			t.Fatalf("%s diverged: %v", c.Node, c.Mismatches[0])
		}
		assert.Positive(t, c.Compared, c.Node)
	}
}

func TestPipeline_BuildsEveryNode(t *testing.T) {
	p, err := New(loadConfig(t, fullYAML), hub.Settings{})
	require.NoError(t, err)
	defer p.Close()

	require.Len(t, p.Nodes(), 13)
	n, ok := p.Node("ema_of_sma")
	require.True(t, ok)
	assert.Equal(t, "EMA(10)", n.Label())
	assert.Equal(t, "sma20", n.Config.Source)

	_, ok = p.Node("missing")
	assert.False(t, ok)
	// sma20 rsi14 macd atr14 sd bb stoch srsi bars5
	assert.Equal(t, 9, p.Root().Subscribers())
}

func TestPipeline_StreamConvergesToBatch(t *testing.T) {
	quotes := genQuotes(300)
	p, err := New(loadConfig(t, fullYAML), hub.Settings{})
	require.NoError(t, err)
	defer p.Close()

	root := p.Root()
	for i, q := range quotes {
		if i == 120 {
			continue
		}
		require.NoError(t, root.Add(q))
		if i == 150 {
			// identical resend
			require.NoError(t, root.Add(q))
		}
	}
	require.NoError(t, root.Insert(quotes[120]))
	removed, err := root.Remove(quotes[200].Timestamp)
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, p.Err())

	reference := append(append([]series.Quote(nil), quotes[:200]...), quotes[201:]...)
	checks, err := p.Verify(reference)
	require.NoError(t, err)
	require.Len(t, checks, 13)
	requireConverged(t, checks)

	bars, _ := p.Node("bars5")
	assert.Len(t, bars.Rows(), 60)
}

func TestPipeline_BoundedCacheMatchesReferenceSuffix(t *testing.T) {
	cfg := loadConfig(t, `
source: {name: es, max_cache_size: 150}
feed: {path: unused.csv}
nodes:
  - {name: ema, type: ema, params: {period: 20}}
  - {name: rsi, type: rsi}
  - {name: rsi_ema, type: ema, source: rsi, params: {period: 5}}
  - {name: bars, type: bars, interval: 5m}
  - {name: bars_sma, type: sma, source: bars, params: {period: 3}}
`)
	quotes := genQuotes(400)
	p, err := New(cfg, hub.Settings{})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Root().AddBatch(quotes))
	assert.Equal(t, 150, p.Root().Results().Len())

	ema, _ := p.Node("ema")
	assert.Len(t, ema.Rows(), 150)

	checks, err := p.Verify(quotes)
	require.NoError(t, err)
	requireConverged(t, checks)
}

func TestPipeline_VerifyReportsDivergence(t *testing.T) {
	cfg := loadConfig(t, `
source: {name: es}
feed: {path: unused.csv}
nodes:
  - {name: sma, type: sma, params: {period: 3}}
`)
	quotes := genQuotes(10)
	p, err := New(cfg, hub.Settings{})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Root().AddBatch(quotes))

	edited := append([]series.Quote(nil), quotes...)
	edited[5].Close = edited[5].Close.Add(decimal.NewFromInt(3))
	edited = append(edited, series.Quote{
		Timestamp: quotes[9].Timestamp.Add(time.Minute),
		Open:      decimal.NewFromInt(1), High: decimal.NewFromInt(1),
		Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1),
	})

	checks, err := p.Verify(edited)
	require.NoError(t, err)
	require.Len(t, checks, 1)

	c := checks[0]
	assert.False(t, c.OK())
	assert.Equal(t, 10, c.Compared)
	// Positions 5, 6 and 7 average the edited close; the extra bar is missing.
	require.Len(t, c.Mismatches, 4)
	assert.Equal(t, "values differ", c.Mismatches[0].Reason)
	assert.True(t, c.Mismatches[0].Time.Equal(quotes[5].Timestamp))
	assert.Equal(t, "missing from stream", c.Mismatches[3].Reason)
	assert.Nil(t, c.Mismatches[3].Got)
	assert.Contains(t, c.Mismatches[0].String(), "got sma=")
}

func TestBatch_MatchesStreamRows(t *testing.T) {
	cfg := loadConfig(t, fullYAML)
	quotes := genQuotes(120)

	p, err := New(cfg, hub.Settings{})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Root().AddBatch(quotes))

	want, err := Batch(cfg, quotes)
	require.NoError(t, err)
	assert.Len(t, want["es"], 120)

	for _, n := range p.Nodes() {
		got := n.Rows()
		require.Len(t, got, len(want[n.Name()]), n.Name())
		for i := range got {
			require.True(t, series.RowsEqual(want[n.Name()][i], got[i]), "%s row %d", n.Name(), i)
		}
	}
}

func TestNew_RejectsScalarSourceForQuoteNode(t *testing.T) {
	cfg := &config.Config{
		Source: config.SourceConfig{Name: "es"},
		Nodes: []config.NodeConfig{
			{Name: "sma", Type: "sma"},
			{Name: "atr", Type: "atr", Source: "sma"},
		},
	}

	_, err := New(cfg, hub.Settings{})
	require.ErrorIs(t, err, series.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "needs a quote source")

	_, err = Batch(cfg, genQuotes(5))
	assert.ErrorIs(t, err, series.ErrInvalidConfig)
}

func TestNew_RejectsUnknownSource(t *testing.T) {
	cfg := &config.Config{
		Source: config.SourceConfig{Name: "es"},
		Nodes:  []config.NodeConfig{{Name: "ema", Type: "ema", Source: "later"}},
	}
	_, err := New(cfg, hub.Settings{})
	assert.ErrorIs(t, err, series.ErrInvalidConfig)
}

func TestNew_PropagatesCacheSizeChecks(t *testing.T) {
	cfg := &config.Config{
		Source: config.SourceConfig{Name: "es", MaxCacheSize: 10},
		Nodes:  []config.NodeConfig{{Name: "sma", Type: "sma", Params: map[string]float64{"period": 20}}},
	}
	_, err := New(cfg, hub.Settings{})
	assert.ErrorIs(t, err, series.ErrInvalidConfig)
}

func TestPipeline_CloseDetachesNodes(t *testing.T) {
	p, err := New(loadConfig(t, fullYAML), hub.Settings{})
	require.NoError(t, err)

	p.Close()
	assert.Zero(t, p.Root().Subscribers())
	assert.Error(t, p.Root().Add(genQuotes(1)[0]))
}
