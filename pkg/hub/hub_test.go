package hub

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func at(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

func ticks(n int) []series.Tick {
	out := make([]series.Tick, n)
	for i := range out {
		out[i] = series.Tick{Timestamp: at(i), Price: float64(100 + i%7*3 - i%5)}
	}
	return out
}

// cumResult is the running sum of the source; Mean is pending for the
// first three positions.
type cumResult struct {
	Timestamp time.Time
	Sum       float64
	Mean      series.Num
}

func (r cumResult) Time() time.Time { return r.Timestamp }
func (r cumResult) Value() float64  { return r.Sum }

type cumState struct {
	sum   float64
	count int
}

type cumStage struct {
	log   *StateLog[cumState]
	steps int
}

func newCumStage() *cumStage {
	return &cumStage{log: NewStateLog(cumState{})}
}

func (s *cumStage) Name() string { return "CUM" }

func (s *cumStage) Step(w Window[series.Tick, cumResult], i int) (cumResult, error) {
	in := w.Source.At(i)
	prev := s.log.Last()
	st := cumState{sum: prev.sum + in.Price, count: prev.count + 1}
	s.log.Push(st)
	s.steps++
	return cumResult{Timestamp: in.Timestamp, Sum: st.sum, Mean: mean(st)}, nil
}

func (s *cumStage) Rollback(w Window[series.Tick, cumResult], at time.Time) {
	RollbackTo(s.log, w, at)
}

func (s *cumStage) Prune(n int) { s.log.Prune(n) }

func mean(st cumState) series.Num {
	if st.count < 3 {
		return series.Pending
	}
	return series.Computed(st.sum / float64(st.count))
}

func cumBatch(in []series.Tick) []cumResult {
	out := make([]cumResult, len(in))
	var st cumState
	for i, tk := range in {
		st = cumState{sum: st.sum + tk.Price, count: st.count + 1}
		out[i] = cumResult{Timestamp: tk.Timestamp, Sum: st.sum, Mean: mean(st)}
	}
	return out
}

// deltaStage is stateless: it reads the previous provider record.
type deltaStage struct{}

func (deltaStage) Name() string      { return "DELTA" }
func (deltaStage) MinCacheSize() int { return 1 }

func (deltaStage) Step(w Window[series.Reusable, series.Tick], i int) (series.Tick, error) {
	in := w.Source.At(i)
	if i == 0 {
		return series.Tick{Timestamp: in.Time()}, nil
	}
	return series.Tick{Timestamp: in.Time(), Price: in.Value() - w.Source.At(i-1).Value()}, nil
}

func (deltaStage) Rollback(Window[series.Reusable, series.Tick], time.Time) {}

func deltaBatch(in []cumResult) []series.Tick {
	out := make([]series.Tick, len(in))
	for i, r := range in {
		out[i] = series.Tick{Timestamp: r.Timestamp}
		if i > 0 {
			out[i].Price = r.Sum - in[i-1].Sum
		}
	}
	return out
}

type countingRecorder struct {
	appends  map[string]int
	rebuilds map[string]int
	prunes   map[string]int
	errs     map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		appends:  map[string]int{},
		rebuilds: map[string]int{},
		prunes:   map[string]int{},
		errs:     map[string]int{},
	}
}

func (r *countingRecorder) RecordAppend(hub string)                          { r.appends[hub]++ }
func (r *countingRecorder) RecordRebuild(hub string, _ int, _ time.Duration) { r.rebuilds[hub]++ }
func (r *countingRecorder) RecordPrune(hub string, n int)                    { r.prunes[hub] += n }
func (r *countingRecorder) RecordCacheSize(string, int)                      {}
func (r *countingRecorder) RecordError(hub, _ string)                        { r.errs[hub]++ }

func newRoot(t *testing.T, settings Settings) *QuoteHub[series.Tick] {
	t.Helper()
	root, err := NewQuoteHub[series.Tick]("ticks", settings)
	require.NoError(t, err)
	return root
}

func newCum(t *testing.T, root Provider[series.Tick]) (*Hub[series.Tick, cumResult], *cumStage) {
	t.Helper()
	stage := newCumStage()
	h, err := NewHub[series.Tick, cumResult](root, stage)
	require.NoError(t, err)
	return h, stage
}

func assertMatches[T series.Timed](t *testing.T, want []T, got cache.View[T]) {
	t.Helper()
	assert.Equal(t, want, got.Items())
}

func TestHub_AppendMatchesBatch(t *testing.T) {
	rec := newCountingRecorder()
	root := newRoot(t, Settings{Recorder: rec})
	cum, _ := newCum(t, root)

	in := ticks(30)
	require.NoError(t, root.AddBatch(in))

	assertMatches(t, cumBatch(in), cum.Results())
	assert.Equal(t, PhaseAppend, cum.Phase())
	assert.Equal(t, 30, rec.appends["CUM"])
	assert.Zero(t, rec.rebuilds["CUM"])
}

func TestHub_SubscribeAfterDataBuildsHistory(t *testing.T) {
	root := newRoot(t, Settings{})
	in := ticks(12)
	require.NoError(t, root.AddBatch(in))

	cum, _ := newCum(t, root)
	assertMatches(t, cumBatch(in), cum.Results())
	assert.Equal(t, 1, root.Subscribers())
}

func TestHub_LateArrivalRebuilds(t *testing.T) {
	rec := newCountingRecorder()
	root := newRoot(t, Settings{Recorder: rec})
	cum, stage := newCum(t, root)

	in := ticks(20)
	for i, tk := range in {
		if i == 7 {
			continue
		}
		require.NoError(t, root.Add(tk))
	}
	stepsBefore := stage.steps

	require.NoError(t, root.Insert(in[7]))

	assertMatches(t, cumBatch(in), cum.Results())
	assert.Equal(t, 1, rec.rebuilds["CUM"])
	assert.Equal(t, 13, stage.steps-stepsBefore, "replay starts at the disrupted position")
}

func TestHub_ResendIsIdempotent(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)

	in := ticks(10)
	require.NoError(t, root.AddBatch(in))
	want := cum.Results().Items()

	require.NoError(t, root.Add(in[4]))
	require.NoError(t, root.Add(in[9]))

	assert.Equal(t, want, cum.Results().Items())
	assert.Equal(t, 10, root.Results().Len())
}

func TestHub_DuplicatePolicy(t *testing.T) {
	in := ticks(10)
	changed := in[4]
	changed.Price += 50

	t.Run("reject", func(t *testing.T) {
		root := newRoot(t, Settings{Policy: cache.Reject})
		cum, _ := newCum(t, root)
		require.NoError(t, root.AddBatch(in))

		err := root.Add(changed)
		assert.ErrorIs(t, err, series.ErrDuplicateKey)
		assertMatches(t, cumBatch(in), cum.Results())
	})

	t.Run("replace", func(t *testing.T) {
		root := newRoot(t, Settings{Policy: cache.Replace})
		cum, _ := newCum(t, root)
		require.NoError(t, root.AddBatch(in))

		require.NoError(t, root.Add(changed))

		final := append([]series.Tick(nil), in...)
		final[4] = changed
		assertMatches(t, cumBatch(final), cum.Results())
	})
}

func TestHub_InsertThenRemoveRestoresState(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)

	in := ticks(15)
	require.NoError(t, root.AddBatch(in))
	before := cum.Results().Items()

	late := series.Tick{Timestamp: at(6).Add(30 * time.Second), Price: 999}
	require.NoError(t, root.Insert(late))
	assert.Equal(t, 16, cum.Results().Len())

	removed, err := root.Remove(late.Timestamp)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, before, cum.Results().Items())
}

func TestHub_RemoveMissingIsNoop(t *testing.T) {
	rec := newCountingRecorder()
	root := newRoot(t, Settings{Recorder: rec})
	newCum(t, root)
	require.NoError(t, root.AddBatch(ticks(5)))

	removed, err := root.Remove(at(99))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, rec.rebuilds["CUM"])
}

func TestHub_RemoveTailAndHead(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	in := ticks(10)
	require.NoError(t, root.AddBatch(in))

	_, err := root.Remove(at(9))
	require.NoError(t, err)
	_, err = root.Remove(at(0))
	require.NoError(t, err)

	assertMatches(t, cumBatch(in[1:9]), cum.Results())
}

func TestHub_RollbackThenReplayIsIdentity(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	require.NoError(t, root.AddBatch(ticks(25)))
	want := cum.Results().Items()

	for _, i := range []int{0, 12, 24, 40} {
		require.NoError(t, cum.onRebuild(at(i)))
		assert.Equal(t, want, cum.Results().Items(), "rebuild from %d", i)
	}
}

// settleCheck records, at every step, whether its provider had settled.
type settleCheck struct {
	root   cache.View[series.Tick]
	seen   int
	broken int
}

func (p *settleCheck) Name() string { return "SETTLE" }

func (p *settleCheck) Step(w Window[series.Reusable, series.Tick], i int) (series.Tick, error) {
	p.seen++
	if w.Source.Len() != p.root.Len() || w.Results.Len() > w.Source.Len() {
		p.broken++
	}
	return series.Tick{Timestamp: w.Source.At(i).Time()}, nil
}

func (p *settleCheck) Rollback(Window[series.Reusable, series.Tick], time.Time) {}

func TestHub_ChainSettlesDepthFirst(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	delta, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), deltaStage{})
	require.NoError(t, err)
	check := &settleCheck{root: root.Results()}
	_, err = NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), check)
	require.NoError(t, err)

	in := ticks(40)
	for i, tk := range in {
		if i == 17 {
			continue
		}
		require.NoError(t, root.Add(tk))
	}
	require.NoError(t, root.Insert(in[17]))
	_, err = root.Remove(at(30))
	require.NoError(t, err)

	final := append(append([]series.Tick(nil), in[:30]...), in[31:]...)
	assertMatches(t, cumBatch(final), cum.Results())
	assertMatches(t, deltaBatch(cumBatch(final)), delta.Results())
	assert.Positive(t, check.seen)
	assert.Zero(t, check.broken, "a subscriber observed an unsettled provider")
	assert.Equal(t, 2, cum.Subscribers())
}

func TestHub_PruningKeepsBatchSuffix(t *testing.T) {
	rec := newCountingRecorder()
	root := newRoot(t, Settings{MaxCacheSize: 10, Recorder: rec})
	cum, _ := newCum(t, root)
	delta, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), deltaStage{})
	require.NoError(t, err)

	in := ticks(50)
	require.NoError(t, root.AddBatch(in))

	assert.Equal(t, 10, root.Results().Len())
	assert.Equal(t, 10, cum.Results().Len())
	assert.Equal(t, 10, delta.Results().Len())
	assertMatches(t, cumBatch(in)[40:], cum.Results())
	assertMatches(t, deltaBatch(cumBatch(in))[40:], delta.Results())
	assert.Equal(t, 40, rec.prunes["CUM"])

	// A late arrival inside the retained window still converges.
	removed, err := root.Remove(at(45))
	require.NoError(t, err)
	require.True(t, removed)
	final := append(append([]series.Tick(nil), in[:45]...), in[46:]...)
	assertMatches(t, cumBatch(final)[40:], cum.Results())
	require.NoError(t, root.Insert(in[45]))
	assert.Equal(t, 10, root.Results().Len())
	assertMatches(t, cumBatch(in)[40:], cum.Results())

	// Disrupting the reserved head is refused once pruning has started.
	_, err = root.Remove(at(40))
	assert.ErrorIs(t, err, series.ErrOutOfRange)
	err = root.Insert(series.Tick{Timestamp: at(3), Price: 1})
	assert.ErrorIs(t, err, series.ErrOutOfRange)
}

func TestHub_LookbackValidatedAgainstCacheSize(t *testing.T) {
	root := newRoot(t, Settings{MaxCacheSize: 2})
	cum, _ := newCum(t, root)

	_, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), bigLookback{})
	assert.ErrorIs(t, err, series.ErrInvalidConfig)

	_, err = NewQuoteHub[series.Tick]("bad", Settings{MaxCacheSize: -1})
	assert.ErrorIs(t, err, series.ErrInvalidConfig)
}

type bigLookback struct{ deltaStage }

func (bigLookback) MinCacheSize() int { return 5 }

func TestHub_InvalidItems(t *testing.T) {
	root := newRoot(t, Settings{})
	err := root.Add(series.Tick{Price: 1})
	assert.ErrorIs(t, err, series.ErrInvalidItem)

	quotes, err := NewQuoteHub[series.Quote]("quotes", Settings{})
	require.NoError(t, err)
	err = quotes.Add(series.Quote{})
	assert.ErrorIs(t, err, series.ErrInvalidItem)
}

func TestHub_OverflowGuard(t *testing.T) {
	root := newRoot(t, Settings{})
	newCum(t, root)
	in := ticks(5)
	require.NoError(t, root.AddBatch(in))

	for i := 0; i < maxRepeats; i++ {
		require.NoError(t, root.Add(in[4]))
	}
	err := root.Add(in[4])
	assert.ErrorIs(t, err, series.ErrOverflow)
	assert.ErrorIs(t, root.Err(), series.ErrOverflow)

	err = root.Add(series.Tick{Timestamp: at(5), Price: 1})
	assert.ErrorIs(t, err, series.ErrFaulted)
}

type failingStage struct {
	cumStage
	failAt float64
}

func (s *failingStage) Step(w Window[series.Tick, cumResult], i int) (cumResult, error) {
	if w.Source.At(i).Price == s.failAt {
		return cumResult{}, errors.New("boom")
	}
	return s.cumStage.Step(w, i)
}

func TestHub_FaultStopsPropagation(t *testing.T) {
	rec := newCountingRecorder()
	root := newRoot(t, Settings{Recorder: rec})
	stage := &failingStage{cumStage: *newCumStage(), failAt: -1}
	failing, err := NewHub[series.Tick, cumResult](root, stage)
	require.NoError(t, err)
	delta, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](failing), deltaStage{})
	require.NoError(t, err)

	in := ticks(10)
	require.NoError(t, root.AddBatch(in[:5]))
	require.NoError(t, root.Add(in[6]))

	bad := series.Tick{Timestamp: in[5].Timestamp, Price: -1}
	err = root.Insert(bad)
	require.Error(t, err)
	assert.Error(t, failing.Err())
	assert.Equal(t, 1, rec.errs["CUM"])
	assert.Equal(t, 6, delta.Results().Len(), "downstream must not see partial results")

	err = root.Add(in[7])
	assert.ErrorIs(t, err, series.ErrFaulted)

	// Correcting the source and reinitializing recovers.
	_, err = root.Remove(bad.Timestamp)
	assert.ErrorIs(t, err, series.ErrFaulted)
	stage.failAt = -2
	require.NoError(t, failing.Reinitialize())
	assert.NoError(t, failing.Err())
	assert.Equal(t, root.Results().Len(), delta.Results().Len())
}

func TestHub_UnsubscribeAndClear(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	delta, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), deltaStage{})
	require.NoError(t, err)
	require.NoError(t, root.AddBatch(ticks(8)))

	require.NoError(t, cum.Clear())
	assert.Zero(t, cum.Results().Len())
	assert.Zero(t, delta.Results().Len())
	assert.True(t, cum.Subscribed())

	require.NoError(t, cum.Reinitialize())
	assertMatches(t, cumBatch(ticks(8)), cum.Results())
	assert.Equal(t, 8, delta.Results().Len())

	cum.Unsubscribe()
	assert.False(t, cum.Subscribed())
	assert.False(t, delta.Subscribed())
	assert.Zero(t, root.Subscribers())
	assert.Zero(t, cum.Results().Len())

	require.NoError(t, root.Add(series.Tick{Timestamp: at(8), Price: 1}))
	assert.Zero(t, cum.Results().Len())
	assert.ErrorIs(t, cum.Reinitialize(), series.ErrNotSubscribed)
}

func TestHub_EndTransmission(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	require.NoError(t, root.AddBatch(ticks(3)))

	root.EndTransmission()
	assert.False(t, cum.Subscribed())
	assert.Equal(t, 3, cum.Results().Len(), "completed hubs keep their results")
	assert.ErrorIs(t, root.Add(series.Tick{Timestamp: at(3), Price: 1}), series.ErrNotSubscribed)
}

func TestHub_ManySubscribersShareOneProvider(t *testing.T) {
	root := newRoot(t, Settings{})
	var hubs []*Hub[series.Tick, cumResult]
	for i := 0; i < 4; i++ {
		h, _ := newCum(t, root)
		hubs = append(hubs, h)
	}

	in := ticks(20)
	require.NoError(t, root.AddBatch(in[:10]))
	require.NoError(t, root.AddBatch(in[11:]))
	require.NoError(t, root.Insert(in[10]))

	for i, h := range hubs {
		assert.Equal(t, cumBatch(in), h.Results().Items(), fmt.Sprintf("subscriber %d", i))
	}
}

func TestHub_ClearedHubRefillsOnNextChange(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	delta, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), deltaStage{})
	require.NoError(t, err)

	in := ticks(10)
	require.NoError(t, root.AddBatch(in[:8]))
	require.NoError(t, cum.Clear())
	assert.Zero(t, cum.Results().Len())

	require.NoError(t, root.Add(in[8]))
	require.NoError(t, cum.Err())
	require.NoError(t, delta.Err())
	assertMatches(t, cumBatch(in[:9]), cum.Results())
	assertMatches(t, deltaBatch(cumBatch(in[:9])), delta.Results())

	// A disruption after Clear refills the same way.
	require.NoError(t, cum.Clear())
	removed, err := root.Remove(at(3))
	require.NoError(t, err)
	require.True(t, removed)
	final := append(append([]series.Tick(nil), in[:3]...), in[4:9]...)
	assertMatches(t, cumBatch(final), cum.Results())
	assertMatches(t, deltaBatch(cumBatch(final)), delta.Results())

	require.NoError(t, root.Add(in[9]))
	final = append(final, in[9])
	assertMatches(t, cumBatch(final), cum.Results())
	assert.Equal(t, PhaseAppend, cum.Phase())
}

func TestHub_FullRootRejectsPreHistory(t *testing.T) {
	root := newRoot(t, Settings{MaxCacheSize: 5})
	cum, _ := newCum(t, root)

	in := ticks(6)
	require.NoError(t, root.AddBatch(in[1:]))

	err := root.Insert(in[0])
	require.ErrorIs(t, err, series.ErrOutOfRange)
	assert.NoError(t, root.Err())
	assert.NoError(t, cum.Err())
	assert.Equal(t, 5, root.Results().Len())
	first, _ := root.Results().IndexOf(at(1), true)
	assert.Zero(t, first)
	assertMatches(t, cumBatch(in[1:]), cum.Results())

	// A late arrival inside the bound is stored and evicts the oldest record.
	mid := series.Tick{Timestamp: at(3).Add(30 * time.Second), Price: 50}
	require.NoError(t, root.Insert(mid))
	accepted := []series.Tick{in[1], in[2], in[3], mid, in[4], in[5]}
	assert.Equal(t, 5, root.Results().Len())
	assertMatches(t, cumBatch(accepted)[1:], cum.Results())
}

// siblingReader reads another subscriber's results instead of its own
// provider's.
type siblingReader struct {
	sibling cache.View[series.Tick]
}

func (r *siblingReader) Name() string { return "READER" }

func (r *siblingReader) Step(w Window[series.Reusable, series.Tick], i int) (series.Tick, error) {
	d := r.sibling.At(i)
	return series.Tick{Timestamp: w.Source.At(i).Time(), Price: d.Price}, nil
}

func (r *siblingReader) Rollback(Window[series.Reusable, series.Tick], time.Time) {}

func TestHub_ReadingUnsettledSiblingFaults(t *testing.T) {
	root := newRoot(t, Settings{})
	cum, _ := newCum(t, root)
	reader := &siblingReader{}
	rh, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), reader)
	require.NoError(t, err)
	delta, err := NewHub[series.Reusable, series.Tick](Reuse[cumResult](cum), deltaStage{})
	require.NoError(t, err)
	reader.sibling = delta.Results()

	err = root.Add(ticks(1)[0])
	require.ErrorIs(t, err, series.ErrOutOfRange)
	assert.ErrorIs(t, rh.Err(), series.ErrOutOfRange)
	assert.Zero(t, rh.Results().Len())

	assert.NoError(t, delta.Err())
	assert.Equal(t, 1, delta.Results().Len())
}
