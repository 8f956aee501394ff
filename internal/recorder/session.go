package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/capture"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/qc"
	"github.com/cowcowlabs/cowcow/internal/vad"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/cowcowlabs/cowcow/recorder"

var (
	ErrDeviceFailure = errors.New("audio device failure")
	ErrCancelled     = errors.New("recording cancelled")
	ErrBusy          = errors.New("a recording is already in progress")
)

// Request describes one take to record.
type Request struct {
	TakeID        string        `json:"take_id,omitempty"`
	LanguageTag   string        `json:"language_tag"`
	Prompt        string        `json:"prompt,omitempty"`
	FixedDuration time.Duration `json:"fixed_duration,omitempty"`
	Force         bool          `json:"force,omitempty"`
	Priority      int           `json:"priority,omitempty"`
}

// Capture is a finished recording on its way through the finalizer.
type Capture struct {
	TakeID         string
	Request        Request
	Metrics        qc.Metrics
	Duration       time.Duration
	Reason         StopReason
	Windows        int
	InvalidWindows int64

	// Outcome delivers the finalizer's result exactly once.
	Outcome <-chan Outcome
}

// Recorder runs one take at a time: windows from a source are measured,
// gated and fed to the state machine while the payload is written out.
type Recorder struct {
	cfg       config.Config
	finalizer *Finalizer
	log       *slog.Logger
	stop      chan struct{}
	invalid   metric.Int64Counter

	mu     sync.Mutex
	active string
}

func New(cfg config.Config, finalizer *Finalizer, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	invalid, err := otel.Meter(instrumentationName).Int64Counter("cowcow.windows.invalid",
		metric.WithDescription("Malformed audio windows treated as silence"))
	if err != nil {
		invalid = noop.Int64Counter{}
	}
	return &Recorder{
		cfg:       cfg,
		finalizer: finalizer,
		log:       log.With(slog.String("component", "recorder")),
		stop:      make(chan struct{}, 1),
		invalid:   invalid,
	}
}

// Active returns the id of the take being recorded, if any.
func (r *Recorder) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != ""
}

// Stop asks the running take to finish. It is observed within one window.
func (r *Recorder) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Recorder) acquire(takeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != "" {
		return false
	}
	r.active = takeID
	select {
	case <-r.stop:
	default:
	}
	return true
}

func (r *Recorder) release() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

// Reservation holds the recorder for one take between Reserve and Record.
type Reservation struct {
	r    *Recorder
	req  Request
	once sync.Once
}

// Reserve claims the recorder for req, assigning a take id when it has
// none. It fails with ErrBusy while another take holds the recorder.
func (r *Recorder) Reserve(req Request) (*Reservation, error) {
	if req.TakeID == "" {
		req.TakeID = uuid.NewString()
	}
	if !r.acquire(req.TakeID) {
		return nil, ErrBusy
	}
	return &Reservation{r: r, req: req}, nil
}

// TakeID is the id the reserved take will be stored under.
func (res *Reservation) TakeID() string { return res.req.TakeID }

// Cancel gives the recorder back without recording.
func (res *Reservation) Cancel() {
	res.once.Do(res.r.release)
}

// Record runs the reserved take and releases the recorder when recording
// stops.
func (res *Reservation) Record(ctx context.Context, src capture.Source) (Capture, error) {
	defer res.Cancel()
	return res.r.record(ctx, src, res.req)
}

// Record captures one take from src and hands it to the finalizer. It
// returns once recording stops; the returned Capture's Outcome channel
// reports persistence and the quality decision.
func (r *Recorder) Record(ctx context.Context, src capture.Source, req Request) (Capture, error) {
	res, err := r.Reserve(req)
	if err != nil {
		return Capture{}, err
	}
	return res.Record(ctx, src)
}

func (r *Recorder) record(ctx context.Context, src capture.Source, req Request) (Capture, error) {
	gate, err := vad.FromConfig(r.cfg.VAD)
	if err != nil {
		return Capture{}, err
	}
	machine := NewMachine(Limits{
		SilenceTimeout: r.cfg.Recording.SilenceTimeout(),
		FixedDuration:  req.FixedDuration,
	})
	if err := machine.Arm(r.cfg.Recording.Countdown()); err != nil {
		return Capture{}, err
	}

	path := filepath.Join(r.cfg.Recording.Dir, req.TakeID+".wav")
	writer, err := audio.Create(path, r.cfg.Audio.SampleRate)
	if err != nil {
		return Capture{}, err
	}
	events, err := src.Start(ctx)
	if err != nil {
		_ = writer.Discard()
		return Capture{}, fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}
	defer src.Close()

	log := r.log.With(slog.String("take_id", req.TakeID))
	log.Info("recording started", slog.String("language_tag", req.LanguageTag), slog.Duration("fixed_duration", req.FixedDuration))

	calc := qc.NewCalculator(r.cfg.Audio)
	nominal := r.cfg.Audio.WindowDuration()
	windows := 0

	abort := func(cause error) (Capture, error) {
		machine.Fail(cause)
		if err := writer.Discard(); err != nil {
			log.Warn("failed to remove partial payload", slog.String("error", err.Error()))
		}
		log.Warn("recording cancelled", slog.String("error", cause.Error()))
		return Capture{}, cause
	}

	for machine.State() == CountdownPending || machine.State() == Active {
		select {
		case <-ctx.Done():
			return abort(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		case <-r.stop:
			machine.Stop()
		case ev, ok := <-events:
			if !ok {
				machine.Stop()
				continue
			}
			if ev.Err != nil {
				return abort(fmt.Errorf("%w: %v", ErrDeviceFailure, ev.Err))
			}
			lvl := calc.Measure(ev.Window)
			voiced := false
			dt := ev.Window.Duration()
			if lvl.Valid {
				voiced = gate.Classify(ev.Window, lvl.RMS)
			} else {
				dt = nominal
				r.invalid.Add(ctx, 1)
				log.Debug("malformed window treated as silence", slog.Uint64("seq", ev.Window.Seq), slog.Int("samples", len(ev.Window.Samples)))
			}

			recording := machine.Recording()
			machine.Observe(voiced, dt)
			if !recording {
				continue
			}
			windows++
			calc.Add(lvl, voiced)
			if lvl.Valid {
				if err := writer.Write(ev.Window.Samples); err != nil {
					return abort(fmt.Errorf("write payload: %w", err))
				}
			}
		}
	}

	if machine.State() == Cancelled {
		return abort(ErrCancelled)
	}

	c := Capture{
		TakeID:         req.TakeID,
		Request:        req,
		Metrics:        calc.Snapshot(),
		Duration:       machine.Elapsed(),
		Reason:         machine.Reason(),
		Windows:        windows,
		InvalidWindows: calc.InvalidWindows(),
	}
	log.Info("recording stopped",
		slog.String("stop_reason", string(c.Reason)),
		slog.Duration("duration", c.Duration),
		slog.Float64("snr_db", c.Metrics.SNRDB),
		slog.Float64("vad_ratio", c.Metrics.VADRatio),
	)

	out, err := r.finalizer.Submit(ctx, writer, c)
	if err != nil {
		_ = writer.Discard()
		return Capture{}, fmt.Errorf("hand over take %s: %w", c.TakeID, err)
	}
	if err := machine.Complete(); err != nil {
		return Capture{}, err
	}
	c.Outcome = out
	return c, nil
}
