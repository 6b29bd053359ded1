// Package replay drives a feed of source mutations through a pipeline and
// reports whether the stream results converged to the batch reference.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tathienbao/indicator-hub/internal/alerting"
	"github.com/tathienbao/indicator-hub/internal/config"
	"github.com/tathienbao/indicator-hub/internal/feed"
	"github.com/tathienbao/indicator-hub/internal/metrics"
	"github.com/tathienbao/indicator-hub/internal/persistence"
	"github.com/tathienbao/indicator-hub/internal/pipeline"
	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// maxDetail bounds how many mismatches or errors are kept in a run record.
const maxDetail = 5

// ProgressUpdate contains info for progress display.
type ProgressUpdate struct {
	Event   int
	Op      feed.Op
	Time    time.Time
	Records int
	Err     error
}

// ProgressCallback is called after each event.
type ProgressCallback func(update ProgressUpdate)

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, run persistence.Run) error
}

// Config holds replay configuration.
type Config struct {
	Symbol      string
	StartTime   time.Time
	EndTime     time.Time
	Verify      bool
	StopOnError bool
}

// ConfigFrom maps the replay section of a configuration file.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Symbol:      c.Source.Symbol,
		Verify:      !c.Replay.SkipVerify,
		StopOnError: c.Replay.StopOnError,
	}
}

// EventError is a feed event the root refused.
type EventError struct {
	Index int
	Event feed.Event
	Err   error
}

func (e EventError) Error() string {
	return fmt.Sprintf("event %d (%s %s): %v", e.Index, e.Event.Op,
		e.Event.Time().Format(time.RFC3339Nano), e.Err)
}

func (e EventError) Unwrap() error { return e.Err }

// Result holds replay results.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Events   int
	Applied  int
	Skipped  int
	Rebuilds int
	Errors   []EventError

	Checks     []pipeline.Check
	Mismatches int
	Status     persistence.RunStatus
	Err        error
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner replays a feed through a pipeline.
type Runner struct {
	cfg  Config
	feed feed.Feed
	pipe *pipeline.Pipeline

	// reference mirrors every mutation the root accepted, without pruning.
	reference *cache.Cache[series.Quote]

	store      RunStore
	alerter    alerting.Alerter
	notifyAll  bool
	rec        *metrics.Recorder
	logger     *slog.Logger
	progressCb ProgressCallback
}

// NewRunner creates a new replay runner.
func NewRunner(cfg Config, f feed.Feed, p *pipeline.Pipeline, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		feed:      f,
		pipe:      p,
		reference: cache.New[series.Quote](cache.Replace),
		logger:    logger.With("component", "replay"),
	}
}

// SetStore makes the runner persist a record of each run.
func (r *Runner) SetStore(s RunStore) {
	r.store = s
}

// SetAlerter makes the runner notify about faults, rejected events and
// non-converged runs. With notifyAll, clean runs are announced too.
func (r *Runner) SetAlerter(a alerting.Alerter, notifyAll bool) {
	r.alerter = a
	r.notifyAll = notifyAll
}

// SetRecorder makes the runner count feed events.
func (r *Runner) SetRecorder(rec *metrics.Recorder) {
	r.rec = rec
}

// SetProgressCallback sets a callback for progress updates.
func (r *Runner) SetProgressCallback(cb ProgressCallback) {
	r.progressCb = cb
}

// Reference returns the full source history the root has accepted.
func (r *Runner) Reference() []series.Quote {
	return r.reference.Items()
}

// Run consumes the feed until it is exhausted, then verifies the pipeline
// when configured to. The returned error is set only when the run could
// not complete; divergence is reported in the result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	timer := metrics.NewTimer()
	res := &Result{RunID: uuid.New().String(), StartedAt: time.Now()}
	log := r.logger.With("run", res.RunID)

	err := r.consume(ctx, res, log)
	if err == nil && r.cfg.Verify {
		err = r.verify(res)
	}

	res.FinishedAt = res.StartedAt.Add(timer.ObserveReplay())
	res.Err = err
	res.Status = r.status(res)

	log.Info("replay finished",
		"status", res.Status,
		"events", res.Events,
		"applied", res.Applied,
		"rebuilds", res.Rebuilds,
		"errors", len(res.Errors),
		"mismatches", res.Mismatches,
		"duration", res.Duration(),
	)

	run := r.record(res)
	if r.store != nil {
		if serr := r.store.SaveRun(context.WithoutCancel(ctx), run); serr != nil {
			log.Error("failed to save run", "err", serr)
			err = errors.Join(err, fmt.Errorf("save run: %w", serr))
		}
	}
	if r.alerter != nil {
		r.notify(context.WithoutCancel(ctx), run, log)
	}
	return res, err
}

// notify sends alerts for a finished run. Delivery failures are logged
// and never change the run outcome.
func (r *Runner) notify(ctx context.Context, run persistence.Run, log *slog.Logger) {
	send := func(event alerting.Event, msg string, fields ...any) {
		if err := alerting.Send(ctx, r.alerter, event, msg, fields...); err != nil {
			log.Warn("alert not delivered", "event", event, "err", err)
		}
	}

	for _, n := range r.pipe.Nodes() {
		if err := n.Err(); err != nil {
			send(alerting.EventHubFaulted, "hub faulted", "run", run.ID, "node", n.Name(), "err", err)
		}
	}
	if run.Rejected > 0 {
		send(alerting.EventEventsRejected, fmt.Sprintf("%d feed events rejected", run.Rejected),
			"run", run.ID, "symbol", run.Symbol)
	}

	summary := alerting.NewRunSummary(run)
	if !r.notifyAll && (run.Status == persistence.RunConverged || run.Status == persistence.RunUnchecked) {
		return
	}
	send(summary.Event, summary.Message, summary.Fields...)
}

func (r *Runner) consume(ctx context.Context, res *Result, log *slog.Logger) error {
	eventCh, err := r.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to feed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-eventCh:
			if !ok {
				// The feed also closes on cancellation.
				return ctx.Err()
			}

			if !r.cfg.StartTime.IsZero() && event.Time().Before(r.cfg.StartTime) {
				r.count(event, "skipped")
				res.Skipped++
				continue
			}
			if !r.cfg.EndTime.IsZero() && event.Time().After(r.cfg.EndTime) {
				r.count(event, "skipped")
				res.Skipped++
				continue
			}

			idx := res.Events
			res.Events++

			applied, disrupted, err := r.apply(event)
			switch {
			case err != nil:
				r.count(event, "error")
				ee := EventError{Index: idx, Event: event, Err: err}
				res.Errors = append(res.Errors, ee)
				log.Warn("event rejected", "index", idx, "op", event.Op.String(), "time", event.Time(), "err", err)
				if r.cfg.StopOnError {
					return ee
				}
				if ferr := r.pipe.Root().Err(); ferr != nil {
					return fmt.Errorf("%w: %v", series.ErrFaulted, ferr)
				}
			case applied:
				r.count(event, "ok")
				res.Applied++
				if disrupted {
					res.Rebuilds++
				}
			default:
				r.count(event, "skipped")
				res.Skipped++
			}

			if r.progressCb != nil {
				r.progressCb(ProgressUpdate{
					Event:   idx,
					Op:      event.Op,
					Time:    event.Time(),
					Records: r.pipe.Root().Results().Len(),
					Err:     err,
				})
			}
		}
	}
}

// apply sends one event to the root and mirrors it into the reference.
// disrupted reports whether the event landed before the tail and so
// rebuilt the subscribers.
func (r *Runner) apply(e feed.Event) (applied, disrupted bool, err error) {
	root := r.pipe.Root()
	ts := e.Time()

	if e.Op == feed.OpRemove {
		removed, err := root.Remove(ts)
		if err != nil || !removed {
			return false, false, err
		}
		r.reference.RemoveByTimestamp(ts)
		return true, true, nil
	}

	last, ok := root.Results().Last()
	disrupted = ok && !ts.After(last.Timestamp)

	if e.Op == feed.OpInsert {
		err = root.Insert(e.Quote)
	} else {
		err = root.Add(e.Quote)
	}
	if err != nil {
		return false, false, err
	}

	if _, err := r.reference.InsertSorted(e.Quote); err != nil {
		return false, false, fmt.Errorf("mirror reference: %w", err)
	}
	return true, disrupted, nil
}

func (r *Runner) verify(res *Result) error {
	checks, err := r.pipe.Verify(r.reference.Items())
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	res.Checks = checks
	for _, c := range checks {
		res.Mismatches += len(c.Mismatches)
		if !c.OK() {
			r.logger.Warn("node diverged from reference",
				"node", c.Node, "compared", c.Compared, "mismatches", len(c.Mismatches),
				"first", c.Mismatches[0].String())
		}
	}
	return nil
}

func (r *Runner) status(res *Result) persistence.RunStatus {
	switch {
	case res.Err != nil || r.pipe.Err() != nil:
		return persistence.RunFailed
	case !r.cfg.Verify:
		return persistence.RunUnchecked
	case res.Mismatches > 0:
		return persistence.RunDiverged
	default:
		return persistence.RunConverged
	}
}

func (r *Runner) record(res *Result) persistence.Run {
	var detail []string
	if res.Err != nil {
		detail = append(detail, res.Err.Error())
	}
	for _, c := range res.Checks {
		for _, m := range c.Mismatches {
			if len(detail) >= maxDetail {
				break
			}
			detail = append(detail, m.String())
		}
	}
	for _, e := range res.Errors {
		if len(detail) >= maxDetail {
			break
		}
		detail = append(detail, e.Error())
	}

	return persistence.Run{
		ID:         res.RunID,
		Symbol:     r.cfg.Symbol,
		Source:     r.feed.Name(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Events:     res.Events,
		Rejected:   len(res.Errors),
		Rebuilds:   res.Rebuilds,
		Nodes:      len(r.pipe.Nodes()),
		Mismatches: res.Mismatches,
		Status:     res.Status,
		Detail:     strings.Join(detail, "\n"),
	}
}

func (r *Runner) count(e feed.Event, outcome string) {
	if r.rec != nil {
		r.rec.RecordFeedEvent(e.Op.String(), outcome)
	}
}
