package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/capture"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/quality"
	"github.com/cowcowlabs/cowcow/internal/store"
)

const windowSamples = 320

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func speechWindow(seq int) audio.Window {
	samples := make([]float32, windowSamples)
	for i := range samples {
		n := seq*windowSamples + i
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(n)/16000))
	}
	return audio.Window{Seq: uint64(seq), SampleRate: 16000, Samples: samples}
}

func quietWindow(seq int) audio.Window {
	samples := make([]float32, windowSamples)
	for i := range samples {
		samples[i] = 0.001
	}
	return audio.Window{Seq: uint64(seq), SampleRate: 16000, Samples: samples}
}

// take builds voiced windows followed by quiet ones.
func take(speech, quiet int) []audio.Window {
	out := make([]audio.Window, 0, speech+quiet)
	for i := 0; i < speech; i++ {
		out = append(out, speechWindow(i))
	}
	for i := speech; i < speech+quiet; i++ {
		out = append(out, quietWindow(i))
	}
	return out
}

type harness struct {
	cfg      config.Config
	store    *store.Store
	recorder *Recorder
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.VAD.Detector = "none"
	cfg.Recording.Dir = filepath.Join(t.TempDir(), "recordings")
	cfg.Recording.AutoUpload = true
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "cowcow.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fin, err := NewFinalizer(cfg, st, nil, newLogger())
	if err != nil {
		t.Fatalf("new finalizer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go fin.Run(ctx)
	t.Cleanup(cancel)

	return &harness{cfg: cfg, store: st, recorder: New(cfg, fin, newLogger())}
}

func waitOutcome(t *testing.T, c Capture) Outcome {
	t.Helper()
	select {
	case out := <-c.Outcome:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for finalizer")
		return Outcome{}
	}
}

func countWindows(t *testing.T, path string) int {
	t.Helper()
	r, err := audio.Open(path, windowSamples)
	if err != nil {
		t.Fatalf("open payload: %v", err)
	}
	defer r.Close()
	n := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n
		}
		if err != nil {
			t.Fatalf("read payload: %v", err)
		}
		n++
	}
}

func TestRecordEndsOnSilenceTimeout(t *testing.T) {
	h := newHarness(t, nil)
	src := &capture.SliceSource{Windows: take(100, 500), Hold: true}

	c, err := h.recorder.Record(context.Background(), src, Request{TakeID: "take-1", LanguageTag: "sw"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if c.Reason != SilenceTimeout || c.Duration != 7*time.Second || c.Windows != 350 {
		t.Fatalf("unexpected capture %+v", c)
	}

	out := waitOutcome(t, c)
	if out.Err != nil {
		t.Fatalf("finalize: %v", out.Err)
	}
	if out.Decision.Accepted || len(out.Decision.Reasons) != 1 || out.Decision.Reasons[0] != quality.LowVadRatio {
		t.Fatalf("expected LowVadRatio rejection, got %+v", out.Decision)
	}
	if got := countWindows(t, out.Take.AudioPath); got != 350 {
		t.Fatalf("expected 350 windows in payload, got %d", got)
	}

	stored, err := h.store.GetTake(context.Background(), "take-1")
	if err != nil {
		t.Fatalf("get take: %v", err)
	}
	if stored.StopReason != string(SilenceTimeout) || stored.DurationSeconds != 7 || len(stored.Rejections) != 1 {
		t.Fatalf("unexpected stored take %+v", stored)
	}
	if _, err := h.store.GetTask(context.Background(), "take-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rejected take must not be queued, got %v", err)
	}
}

func TestRecordForcedTakeIsQueued(t *testing.T) {
	h := newHarness(t, nil)
	src := &capture.SliceSource{Windows: take(100, 500), Hold: true}

	c, err := h.recorder.Record(context.Background(), src, Request{TakeID: "take-2", LanguageTag: "sw", Force: true, Priority: 5})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	out := waitOutcome(t, c)
	if out.Err != nil || !out.Decision.Accepted || !out.Decision.Forced || !out.Queued {
		t.Fatalf("unexpected outcome %+v", out)
	}
	task, err := h.store.GetTask(context.Background(), "take-2")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskPending || task.Priority != 5 {
		t.Fatalf("unexpected task %+v", task)
	}
	events, err := h.store.ListTakeEvents(context.Background(), "take-2", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected finalized, accepted and queued events, got %+v", events)
	}
}

func TestRecordDeviceErrorDiscardsPayload(t *testing.T) {
	h := newHarness(t, nil)
	src := &capture.SliceSource{Windows: take(50, 0), Err: errors.New("device unplugged")}

	_, err := h.recorder.Record(context.Background(), src, Request{TakeID: "take-3"})
	if !errors.Is(err, ErrDeviceFailure) {
		t.Fatalf("expected device failure, got %v", err)
	}
	entries, err := os.ReadDir(h.cfg.Recording.Dir)
	if err != nil {
		t.Fatalf("read recordings dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected partial payload to be removed, found %d files", len(entries))
	}
	if _, err := h.store.GetTake(context.Background(), "take-3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no take, got %v", err)
	}
}

func TestRecordContextCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := h.recorder.Record(ctx, &capture.SliceSource{Windows: take(10, 0), Hold: true}, Request{TakeID: "take-4"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Recording.Dir, "take-4.wav")); !os.IsNotExist(err) {
		t.Fatalf("expected no payload, got %v", err)
	}
}

// chanSource lets a test feed windows one at a time.
type chanSource struct{ ch chan capture.Event }

func (s *chanSource) Start(context.Context) (<-chan capture.Event, error) { return s.ch, nil }
func (s *chanSource) Close() error                                       { return nil }

func TestRecordManualStopAndBusy(t *testing.T) {
	h := newHarness(t, nil)
	src := &chanSource{ch: make(chan capture.Event)}

	type result struct {
		c   Capture
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := h.recorder.Record(context.Background(), src, Request{TakeID: "take-5", Force: true})
		done <- result{c, err}
	}()

	for i, w := range take(50, 0) {
		select {
		case src.ch <- capture.Event{Window: w}:
		case <-time.After(5 * time.Second):
			t.Fatalf("recorder stalled at window %d", i)
		}
	}
	if id, ok := h.recorder.Active(); !ok || id != "take-5" {
		t.Fatalf("expected take-5 to be active, got %q", id)
	}
	if _, err := h.recorder.Record(context.Background(), &capture.SliceSource{}, Request{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}

	h.recorder.Stop()
	res := <-done
	if res.err != nil {
		t.Fatalf("record: %v", res.err)
	}
	if res.c.Reason != ManualStop || res.c.Duration != time.Second {
		t.Fatalf("unexpected capture %+v", res.c)
	}
	if out := waitOutcome(t, res.c); out.Err != nil || !out.Queued {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, ok := h.recorder.Active(); ok {
		t.Fatal("recorder still active after stop")
	}
}

func TestRecordSourceEndAndCountdown(t *testing.T) {
	cases := []struct {
		name      string
		countdown int
		want      time.Duration
	}{
		{name: "no countdown", countdown: 0, want: 2 * time.Second},
		{name: "one second countdown", countdown: 1000, want: time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *config.Config) { cfg.Recording.CountdownMS = tc.countdown })
			c, err := h.recorder.Record(context.Background(), &capture.SliceSource{Windows: take(100, 0)}, Request{Force: true})
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if c.Reason != ManualStop || c.Duration != tc.want {
				t.Fatalf("expected %s ManualStop, got %s %s", tc.want, c.Duration, c.Reason)
			}
			out := waitOutcome(t, c)
			if got := countWindows(t, out.Take.AudioPath); got != int(tc.want/(20*time.Millisecond)) {
				t.Fatalf("unexpected payload length %d windows", got)
			}
		})
	}
}

func TestRecordFixedDuration(t *testing.T) {
	h := newHarness(t, nil)
	c, err := h.recorder.Record(context.Background(), &capture.SliceSource{Windows: take(300, 0), Hold: true},
		Request{FixedDuration: 3 * time.Second, Force: true})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if c.Reason != DurationReached || c.Duration != 3*time.Second {
		t.Fatalf("unexpected capture %+v", c)
	}
}

func TestReservationHoldsRecorder(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.recorder.Reserve(Request{LanguageTag: "sw"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if id, ok := h.recorder.Active(); !ok || id != res.TakeID() || id == "" {
		t.Fatalf("expected reserved take %q to be active, got %q", res.TakeID(), id)
	}
	if _, err := h.recorder.Reserve(Request{LanguageTag: "sw"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy while reserved, got %v", err)
	}
	if _, err := h.recorder.Record(context.Background(), &capture.SliceSource{}, Request{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy record while reserved, got %v", err)
	}

	res.Cancel()
	res.Cancel()
	if _, ok := h.recorder.Active(); ok {
		t.Fatal("expected recorder to be free after cancel")
	}

	next, err := h.recorder.Reserve(Request{TakeID: "take-9", LanguageTag: "sw", Force: true})
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	c, err := next.Record(context.Background(), &capture.SliceSource{Windows: take(100, 0)})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out := waitOutcome(t, c); out.Err != nil || out.Take.ID != "take-9" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, ok := h.recorder.Active(); ok {
		t.Fatal("expected recorder to be free after recording")
	}
	// A spent reservation must not free a later take's hold.
	later, err := h.recorder.Reserve(Request{LanguageTag: "sw"})
	if err != nil {
		t.Fatalf("reserve after record: %v", err)
	}
	next.Cancel()
	if id, ok := h.recorder.Active(); !ok || id != later.TakeID() {
		t.Fatalf("expected %q to keep the recorder, got %q", later.TakeID(), id)
	}
	later.Cancel()
}
