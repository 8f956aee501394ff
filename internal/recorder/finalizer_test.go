package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/store"
)

func newFinalizer(t *testing.T) (*Finalizer, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.FinalizeQueue = 2
	st, err := store.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "cowcow.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fin, err := NewFinalizer(cfg, st, nil, newLogger())
	if err != nil {
		t.Fatalf("new finalizer: %v", err)
	}
	return fin, t.TempDir()
}

func partialWriter(t *testing.T, dir, id string) *audio.Writer {
	t.Helper()
	w, err := audio.Create(filepath.Join(dir, id+".wav"), 16000)
	if err != nil {
		t.Fatalf("create payload: %v", err)
	}
	if err := w.Write(speechWindow(0).Samples); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return w
}

func TestSubmitRacingShutdown(t *testing.T) {
	fin, dir := newFinalizer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		fin.Run(ctx)
		close(stopped)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		if i == 8 {
			cancel()
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("take-%02d", i)
			w := partialWriter(t, dir, id)
			out, err := fin.Submit(context.Background(), w, Capture{
				TakeID:  id,
				Request: Request{TakeID: id, LanguageTag: "sw"},
				Reason:  ManualStop,
			})
			if errors.Is(err, ErrFinalizerStopped) {
				_ = w.Discard()
				return
			}
			if err != nil {
				t.Errorf("submit %s: %v", id, err)
				return
			}
			select {
			case o := <-out:
				if o.Err != nil {
					t.Errorf("finalize %s: %v", id, o.Err)
				}
			case <-time.After(5 * time.Second):
				t.Errorf("accepted take %s was never finalized", id)
			}
		}(i)
	}
	wg.Wait()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not stop")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") {
			t.Fatalf("payload %s left behind", e.Name())
		}
	}

	w := partialWriter(t, dir, "late")
	if _, err := fin.Submit(context.Background(), w, Capture{TakeID: "late"}); !errors.Is(err, ErrFinalizerStopped) {
		t.Fatalf("expected stopped finalizer, got %v", err)
	}
	_ = w.Discard()
}
