package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/qc"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{Path: path, EventRetentionDays: 1}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return openStore(t, filepath.Join(t.TempDir(), "cowcow.db"))
}

func insertTake(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.InsertTake(context.Background(), Take{
		ID:              id,
		LanguageTag:     "sw",
		Prompt:          "habari ya asubuhi",
		Metrics:         qc.Metrics{RMS: 0.1, ClippingPct: 0.2, VADRatio: 90, SNRDB: 25},
		AudioPath:       "/tmp/" + id + ".wav",
		DurationSeconds: 4.2,
		StopReason:      "SilenceTimeout",
	})
	if err != nil {
		t.Fatalf("insert take %s: %v", id, err)
	}
}

func TestInsertAndGetTake(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insertTake(t, s, "take-1")

	got, err := s.GetTake(ctx, "take-1")
	if err != nil {
		t.Fatalf("get take: %v", err)
	}
	if got.Status != StatusPending || got.Prompt != "habari ya asubuhi" || got.Metrics.SNRDB != 25 {
		t.Fatalf("unexpected take %+v", got)
	}
	if got.UploadedAt != nil {
		t.Fatal("expected no upload time")
	}
	if _, err := s.GetTake(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDequeueOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	order := []struct {
		id       string
		priority int
	}{
		{"low-old", 0},
		{"high-new", 5},
		{"low-new", 0},
		{"high-newer", 5},
	}
	for i, o := range order {
		insertTake(t, s, o.id)
		at := base.Add(time.Duration(i) * time.Minute)
		s.clock = func() time.Time { return at }
		if err := s.Enqueue(ctx, o.id, o.priority); err != nil {
			t.Fatalf("enqueue %s: %v", o.id, err)
		}
	}
	want := []string{"high-new", "high-newer", "low-old", "low-new"}
	for _, id := range want {
		task, err := s.DequeueNext(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if task.TakeID != id {
			t.Fatalf("expected %s, got %s", id, task.TakeID)
		}
		if task.AudioPath == "" {
			t.Fatal("expected audio path joined from take")
		}
	}
	if _, err := s.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestCrashRedelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowcow.db")
	ctx := context.Background()

	first, err := Open(ctx, config.StoreConfig{Path: path}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	insertTake(t, first, "take-1")
	if err := first.Enqueue(ctx, "take-1", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := first.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := first.SaveProgress(ctx, task, 2048); err != nil {
		t.Fatalf("save progress: %v", err)
	}
	// The owning process must not hand its own in-flight task out twice.
	if _, err := first.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected in-flight task to stay leased, got %v", err)
	}
	// Simulated crash: the task is left uploading.
	_ = first.Close()

	second := openStore(t, path)
	if _, err := second.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected task to wait for its lease to expire, got %v", err)
	}
	second.clock = func() time.Time { return time.Now().Add(3 * time.Minute) }
	again, err := second.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue after restart: %v", err)
	}
	if again.TakeID != "take-1" || again.AckedOffset != 2048 {
		t.Fatalf("expected redelivery with saved offset, got %+v", again)
	}
	if err := first.SaveProgress(ctx, task, 4096); err == nil {
		t.Fatal("expected closed store to fail")
	}
}

func TestLiveUploaderKeepsTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowcow.db")
	ctx := context.Background()
	daemon := openStore(t, path)
	tool := openStore(t, path)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s *Store, d time.Duration) { s.clock = func() time.Time { return start.Add(d) } }
	at(daemon, 0)
	at(tool, 0)

	insertTake(t, daemon, "take-1")
	if err := daemon.Enqueue(ctx, "take-1", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := daemon.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := tool.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("second process must not take a live task, got %v", err)
	}

	// Renewals keep the task with its uploader past the original expiry.
	at(daemon, 90*time.Second)
	if err := daemon.RenewLease(ctx, task); err != nil {
		t.Fatalf("renew lease: %v", err)
	}
	at(tool, 150*time.Second)
	if _, err := tool.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("renewed task must stay leased, got %v", err)
	}
	at(daemon, 160*time.Second)
	if err := daemon.SaveProgress(ctx, task, 1024); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	// A stalled uploader loses the task once its lease runs out.
	at(tool, 10*time.Minute)
	taken, err := tool.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue expired task: %v", err)
	}
	if taken.TakeID != "take-1" || taken.AckedOffset != 1024 || taken.Lease == task.Lease {
		t.Fatalf("unexpected redelivery %+v", taken)
	}
	if err := daemon.SaveProgress(ctx, task, 2048); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected stale uploader to lose its lease, got %v", err)
	}
	if err := daemon.MarkComplete(ctx, task, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected stale completion to be rejected, got %v", err)
	}
	if err := tool.SaveProgress(ctx, taken, 2048); err != nil {
		t.Fatalf("new owner save progress: %v", err)
	}
}

func TestConcurrentDequeueSingleOwner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("take-%02d", i)
		insertTake(t, s, id)
		if err := s.Enqueue(ctx, id, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.DequeueNext(ctx)
				if errors.Is(err, ErrQueueEmpty) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				mu.Lock()
				seen[task.TakeID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct tasks, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s handed out %d times", id, n)
		}
	}
}

func TestAttemptsOnlyIncrease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insertTake(t, s, "take-1")
	if err := s.Enqueue(ctx, "take-1", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, _ := s.DequeueNext(ctx)
	if err := s.MarkAttempt(ctx, task, errors.New("collector unreachable")); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	got, _ := s.GetTask(ctx, "take-1")
	if got.Status != TaskPending || got.Attempts != 1 || got.ErrorMessage != "collector unreachable" || got.LastAttempt == nil {
		t.Fatalf("unexpected task after attempt %+v", got)
	}
	take, _ := s.GetTake(ctx, "take-1")
	if take.Status != StatusFailed {
		t.Fatalf("expected failed take, got %s", take.Status)
	}

	task, _ = s.DequeueNext(ctx)
	if err := s.MarkFailed(ctx, task, errors.New("400 bad request")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := s.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("failed task must not be redelivered, got %v", err)
	}
	if err := s.Enqueue(ctx, "take-1", 3); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ = s.GetTask(ctx, "take-1")
	if got.Attempts != 2 || got.Status != TaskPending || got.Priority != 3 {
		t.Fatalf("requeue must keep attempts, got %+v", got)
	}
	if err := s.Enqueue(ctx, "take-1", 0); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected already queued, got %v", err)
	}
}

func TestReleaseKeepsAttemptsAndOffset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insertTake(t, s, "take-1")
	_ = s.Enqueue(ctx, "take-1", 0)
	task, _ := s.DequeueNext(ctx)
	_ = s.SaveProgress(ctx, task, 4096)
	_ = s.SaveProgress(ctx, task, 1024)
	if err := s.Release(ctx, task); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := s.GetTask(ctx, "take-1")
	if got.Attempts != 0 || got.AckedOffset != 4096 || got.Status != TaskPending {
		t.Fatalf("unexpected task after release %+v", got)
	}
	if err := s.SaveProgress(ctx, task, 8192); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost after release, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "cowcow.db"))
	s.cfg.RetryDelayMS = 60000
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	insertTake(t, s, "take-1")
	_ = s.Enqueue(ctx, "take-1", 0)
	task, _ := s.DequeueNext(ctx)
	_ = s.MarkAttempt(ctx, task, errors.New("timeout"))
	if _, err := s.DequeueNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected task to wait out the retry delay, got %v", err)
	}
	s.clock = func() time.Time { return now.Add(time.Minute) }
	if _, err := s.DequeueNext(ctx); err != nil {
		t.Fatalf("expected task after retry delay, got %v", err)
	}
}

func TestMarkComplete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insertTake(t, s, "take-1")
	_ = s.Enqueue(ctx, "take-1", 0)
	task, _ := s.DequeueNext(ctx)
	if err := s.MarkComplete(ctx, task, json.RawMessage(`{"tokens":3}`)); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	take, _ := s.GetTake(ctx, "take-1")
	if take.Status != StatusCompleted || take.UploadedAt == nil || string(take.Reward) != `{"tokens":3}` {
		t.Fatalf("unexpected take %+v", take)
	}
	if n, _ := s.Pending(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if err := s.MarkComplete(ctx, task, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected second completion to be rejected, got %v", err)
	}

	if err := s.Enqueue(ctx, "take-1", 5); !errors.Is(err, ErrAlreadyUploaded) {
		t.Fatalf("expected completed take to stay uploaded, got %v", err)
	}
	got, _ := s.GetTask(ctx, "take-1")
	if got.Status != TaskCompleted || got.Priority != 0 {
		t.Fatalf("requeue must not touch a completed task, got %+v", got)
	}
	take, _ = s.GetTake(ctx, "take-1")
	if take.Status != StatusCompleted || take.UploadedAt == nil {
		t.Fatalf("requeue must not touch a completed take, got %+v", take)
	}
}

func TestListTakesAndStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insertTake(t, s, "a")
	insertTake(t, s, "b")
	if err := s.InsertTake(ctx, Take{ID: "c", LanguageTag: "en", Metrics: qc.Metrics{SNRDB: 5}, AudioPath: "/tmp/c.wav", DurationSeconds: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.RecordRejection(ctx, "c", []string{"LowSnr", "LowVadRatio"}); err != nil {
		t.Fatalf("record rejection: %v", err)
	}
	_ = s.Enqueue(ctx, "a", 0)

	minSNR := 20.0
	takes, err := s.ListTakes(ctx, TakeFilter{LanguageTag: "sw", MinSNR: &minSNR})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(takes) != 2 {
		t.Fatalf("expected 2 swahili takes, got %d", len(takes))
	}
	rejected := true
	takes, _ = s.ListTakes(ctx, TakeFilter{Rejected: &rejected})
	if len(takes) != 1 || len(takes[0].Rejections) != 2 {
		t.Fatalf("expected rejected take with reasons, got %+v", takes)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Rejected != 1 || st.ByLanguage["sw"] != 2 || st.QueueDepth != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestEventsAndPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insertTake(t, s, "take-1")

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, Event{TakeID: "take-1", Type: "finalized"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, Event{TakeID: "take-1", Type: "queued", Payload: []byte(`{"priority":0}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	events, err := s.ListTakeEvents(ctx, "take-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "queued" {
		t.Fatalf("expected only the recent event, got %+v", events)
	}
	if _, err := s.GetTake(ctx, "take-1"); err != nil {
		t.Fatalf("takes must survive pruning: %v", err)
	}
}
