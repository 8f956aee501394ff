package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/protocol"
	"github.com/cowcowlabs/cowcow/internal/quality"
	"github.com/cowcowlabs/cowcow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrFinalizerStopped is returned when a take is handed over after the
// finalizer has shut down.
var ErrFinalizerStopped = errors.New("finalizer stopped")

// TakeStore is what the finalizer persists takes into.
type TakeStore interface {
	InsertTake(ctx context.Context, t store.Take) error
	RecordRejection(ctx context.Context, id string, reasons []string) error
	Enqueue(ctx context.Context, takeID string, priority int) error
	AppendEvent(ctx context.Context, evt store.Event) error
}

// Publisher broadcasts take lifecycle events.
type Publisher interface {
	PublishTakeEvent(evt protocol.TakeEvent) error
}

// Outcome reports what happened to a finalized take.
type Outcome struct {
	Take     store.Take
	Decision quality.Decision
	Queued   bool
	Err      error
}

type job struct {
	writer  *audio.Writer
	capture Capture
	out     chan Outcome
}

// Finalizer persists finished takes on its own goroutine so the capture
// loop never waits on disk or the database.
type Finalizer struct {
	store      TakeStore
	events     Publisher
	thresholds config.Thresholds
	deviceID   string
	autoUpload bool
	jobs       chan job
	log        *slog.Logger

	// mu guards stopped. senders counts Submit calls that passed the
	// stopped check, so shutdown can drain every job they hand over.
	mu      sync.Mutex
	stopped bool
	senders sync.WaitGroup

	finalized metric.Int64Counter
	rejected  metric.Int64Counter
}

func NewFinalizer(cfg config.Config, st TakeStore, events Publisher, log *slog.Logger) (*Finalizer, error) {
	if log == nil {
		log = slog.Default()
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	size := cfg.Recording.FinalizeQueue
	if size <= 0 {
		size = 1
	}
	f := &Finalizer{
		store:      st,
		events:     events,
		thresholds: thresholds,
		deviceID:   cfg.DeviceID,
		autoUpload: cfg.Recording.AutoUpload,
		jobs:       make(chan job, size),
		log:        log.With(slog.String("component", "finalizer")),
	}
	meter := otel.Meter(instrumentationName)
	if f.finalized, err = meter.Int64Counter("cowcow.takes.finalized", metric.WithDescription("Takes persisted after recording")); err != nil {
		f.finalized = noop.Int64Counter{}
	}
	if f.rejected, err = meter.Int64Counter("cowcow.takes.rejected", metric.WithDescription("Takes rejected by the quality gate")); err != nil {
		f.rejected = noop.Int64Counter{}
	}
	return f, nil
}

// Run processes jobs until ctx is cancelled, then finishes whatever is
// already queued.
func (f *Finalizer) Run(ctx context.Context) {
	// An accepted take is persisted even when cancellation races its job.
	persist := context.WithoutCancel(ctx)
	for {
		select {
		case j := <-f.jobs:
			j.out <- f.finalize(persist, j)
		case <-ctx.Done():
			f.drain(persist)
			return
		}
	}
}

// drain refuses new submissions, then finalizes jobs until every accepted
// Submit has either delivered its job or given up.
func (f *Finalizer) drain(ctx context.Context) {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		f.senders.Wait()
		close(idle)
	}()
	for {
		select {
		case j := <-f.jobs:
			j.out <- f.finalize(ctx, j)
		case <-idle:
			for {
				select {
				case j := <-f.jobs:
					j.out <- f.finalize(ctx, j)
				default:
					return
				}
			}
		}
	}
}

// Submit hands a finished capture over. It blocks while the job queue is
// full. Once Run has begun shutting down it fails with ErrFinalizerStopped.
func (f *Finalizer) Submit(ctx context.Context, w *audio.Writer, c Capture) (<-chan Outcome, error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil, ErrFinalizerStopped
	}
	f.senders.Add(1)
	f.mu.Unlock()
	defer f.senders.Done()

	out := make(chan Outcome, 1)
	select {
	case f.jobs <- job{writer: w, capture: c, out: out}:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Finalizer) finalize(ctx context.Context, j job) Outcome {
	c := j.capture
	log := f.log.With(slog.String("take_id", c.TakeID))

	path, err := j.writer.Commit()
	if err != nil {
		_ = j.writer.Discard()
		log.Error("failed to commit payload", slog.String("error", err.Error()))
		return Outcome{Err: fmt.Errorf("commit payload: %w", err)}
	}

	take := store.Take{
		ID:              c.TakeID,
		DeviceID:        f.deviceID,
		LanguageTag:     c.Request.LanguageTag,
		Prompt:          c.Request.Prompt,
		Metrics:         c.Metrics,
		AudioPath:       path,
		DurationSeconds: c.Duration.Seconds(),
		StopReason:      string(c.Reason),
		Status:          store.StatusPending,
	}
	if err := f.store.InsertTake(ctx, take); err != nil {
		log.Error("failed to store take", slog.String("error", err.Error()))
		return Outcome{Take: take, Err: err}
	}
	f.finalized.Add(ctx, 1, metric.WithAttributes(attribute.String("stop_reason", string(c.Reason))))
	f.record(ctx, take.ID, protocol.EventTakeFinalized, "", map[string]any{
		"metrics":          c.Metrics,
		"duration_seconds": take.DurationSeconds,
		"stop_reason":      take.StopReason,
		"windows":          c.Windows,
		"invalid_windows":  c.InvalidWindows,
	})

	decision := quality.Admit(c.Metrics, take.DurationSeconds, f.thresholds, c.Request.Force)
	out := Outcome{Take: take, Decision: decision}
	if !decision.Accepted {
		reasons := make([]string, len(decision.Reasons))
		for i, r := range decision.Reasons {
			reasons[i] = string(r)
		}
		out.Take.Rejections = reasons
		if err := f.store.RecordRejection(ctx, take.ID, reasons); err != nil {
			out.Err = err
		}
		f.rejected.Add(ctx, 1)
		f.record(ctx, take.ID, protocol.EventTakeRejected, string(take.Status), decision)
		log.Info("take rejected", slog.String("reasons", decision.String()), slog.Float64("snr_db", c.Metrics.SNRDB))
		return out
	}

	f.record(ctx, take.ID, protocol.EventTakeAccepted, string(take.Status), decision)
	if f.autoUpload {
		if err := f.store.Enqueue(ctx, take.ID, c.Request.Priority); err != nil {
			out.Err = err
			log.Error("failed to queue take", slog.String("error", err.Error()))
			return out
		}
		out.Queued = true
		f.record(ctx, take.ID, protocol.EventTakeQueued, string(store.TaskPending), map[string]int{"priority": c.Request.Priority})
	}
	log.Info("take accepted",
		slog.Bool("forced", decision.Forced),
		slog.Bool("queued", out.Queued),
		slog.Float64("duration_seconds", take.DurationSeconds),
		slog.String("stop_reason", take.StopReason),
	)
	return out
}

// record appends a lifecycle event and mirrors it on the bus.
func (f *Finalizer) record(ctx context.Context, takeID, eventType, status string, detail any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = nil
	}
	if err := f.store.AppendEvent(ctx, store.Event{TakeID: takeID, Type: eventType, Payload: payload}); err != nil {
		f.log.Warn("failed to append take event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
	if f.events == nil {
		return
	}
	evt := protocol.TakeEvent{TakeID: takeID, DeviceID: f.deviceID, Type: eventType, Status: status, Detail: payload}
	if err := f.events.PublishTakeEvent(evt); err != nil {
		f.log.Warn("failed to publish take event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
