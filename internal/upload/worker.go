package upload

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/protocol"
	"github.com/cowcowlabs/cowcow/internal/store"
)

// TaskSource hands out leased tasks.
type TaskSource interface {
	DequeueNext(ctx context.Context) (store.Task, error)
	Notify() <-chan struct{}
}

// Publisher broadcasts take lifecycle events.
type Publisher interface {
	PublishTakeEvent(evt protocol.TakeEvent) error
}

// Pool runs upload workers against the queue.
type Pool struct {
	client   *Client
	source   TaskSource
	events   Publisher
	deviceID string
	workers  int
	poll     time.Duration
	log      *slog.Logger
}

func NewPool(cfg config.UploadConfig, client *Client, source TaskSource, events Publisher, deviceID string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		client:   client,
		source:   source,
		events:   events,
		deviceID: deviceID,
		workers:  workers,
		poll:     cfg.PollInterval(),
		log:      log.With(slog.String("component", "upload-pool")),
	}
}

// Run blocks until ctx is cancelled. In-flight uploads are released back to
// the queue on shutdown.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

// Drain processes tasks until none is available right now and returns the
// results in completion order.
func (p *Pool) Drain(ctx context.Context) ([]Result, error) {
	var results []Result
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		task, err := p.source.DequeueNext(ctx)
		if errors.Is(err, store.ErrQueueEmpty) {
			return results, nil
		}
		if err != nil {
			return results, err
		}
		results = append(results, p.handle(ctx, task))
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.log.With(slog.Int("worker", id))
	for ctx.Err() == nil {
		task, err := p.source.DequeueNext(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrQueueEmpty) && ctx.Err() == nil {
				log.Warn("dequeue failed", slog.String("error", err.Error()))
			}
			if !p.wait(ctx) {
				return
			}
			continue
		}
		p.handle(ctx, task)
	}
}

func (p *Pool) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.source.Notify():
		return true
	case <-timer.C:
		return true
	}
}

func (p *Pool) handle(ctx context.Context, task store.Task) Result {
	p.publish(task.TakeID, protocol.EventUploadStarted, string(store.TaskUploading), map[string]any{
		"offset":   task.AckedOffset,
		"attempts": task.Attempts,
	})

	res := p.client.Upload(ctx, task)
	attrs := []any{
		slog.String("take_id", task.TakeID),
		slog.String("status", string(res.Status)),
		slog.Int("passes", res.Passes),
		slog.Int64("offset", res.Offset),
	}
	switch res.Status {
	case StatusCompleted:
		if res.Err != nil {
			p.log.Error("upload finished but completion was not recorded", append(attrs, slog.String("error", res.Err.Error()))...)
		} else {
			p.log.Info("upload completed", attrs...)
		}
		p.publish(task.TakeID, protocol.EventUploadDone, string(store.StatusCompleted), json.RawMessage(res.Reward))
	case StatusFailed:
		p.log.Warn("upload failed", append(attrs, slog.Bool("retryable", res.Retryable), slog.String("error", errString(res.Err)))...)
		p.publish(task.TakeID, protocol.EventUploadFailed, string(store.StatusFailed), map[string]any{
			"retryable": res.Retryable,
			"error":     errString(res.Err),
		})
	case StatusCancelled:
		p.log.Info("upload interrupted", attrs...)
	}
	return res
}

func (p *Pool) publish(takeID, eventType, status string, detail any) {
	if p.events == nil {
		return
	}
	var raw json.RawMessage
	switch d := detail.(type) {
	case json.RawMessage:
		raw = d
	case nil:
	default:
		data, err := json.Marshal(d)
		if err == nil {
			raw = data
		}
	}
	evt := protocol.TakeEvent{TakeID: takeID, DeviceID: p.deviceID, Type: eventType, Status: status, Detail: raw}
	if err := p.events.PublishTakeEvent(evt); err != nil {
		p.log.Warn("failed to publish take event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
