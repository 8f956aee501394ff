package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cowcowlabs/cowcow/upload"

// Queue is the slice of the take store the client reports progress to.
type Queue interface {
	RenewLease(ctx context.Context, task store.Task) error
	SaveProgress(ctx context.Context, task store.Task, offset int64) error
	MarkAttempt(ctx context.Context, task store.Task, cause error) error
	MarkFailed(ctx context.Context, task store.Task, cause error) error
	MarkComplete(ctx context.Context, task store.Task, reward json.RawMessage) error
	Release(ctx context.Context, task store.Task) error
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result summarises one Upload invocation. Retryable is set when the task
// went back to the queue for a later invocation.
type Result struct {
	TakeID    string
	Status    Status
	Passes    int
	Offset    int64
	Retryable bool
	Reward    json.RawMessage
	Err       error
}

// Client transfers takes chunk by chunk, resuming from the last offset the
// collector acknowledged.
type Client struct {
	collector    Collector
	queue        Queue
	backoff      Backoff
	chunkSize    int64
	chunkTimeout time.Duration
	log          *slog.Logger

	sleep  func(context.Context, time.Duration) error
	tracer trace.Tracer
	inst   instruments
}

func NewClient(cfg config.UploadConfig, collector Collector, queue Queue, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	chunk := int64(cfg.ChunkSize)
	if chunk <= 0 {
		chunk = 1024 * 1024
	}
	return &Client{
		collector:    collector,
		queue:        queue,
		backoff:      Backoff{Base: cfg.BaseDelay(), MaxRetries: cfg.MaxRetries},
		chunkSize:    chunk,
		chunkTimeout: cfg.ChunkTimeout(),
		log:          log.With(slog.String("component", "upload")),
		sleep:        sleepContext,
		tracer:       otel.Tracer(instrumentationName),
		inst:         newInstruments(log),
	}
}

// Upload runs one invocation for a leased task: an initial pass plus up to
// MaxRetries retries with exponential backoff. The task is only marked
// complete once the collector confirms the final chunk.
func (c *Client) Upload(ctx context.Context, task store.Task) Result {
	ctx, span := c.tracer.Start(ctx, "upload.take", trace.WithAttributes(
		attribute.String("take.id", task.TakeID),
		attribute.Int64("upload.resume_offset", task.AckedOffset),
	))
	defer span.End()

	res := c.upload(ctx, task)
	span.SetAttributes(
		attribute.String("upload.status", string(res.Status)),
		attribute.Int("upload.passes", res.Passes),
	)
	if res.Err != nil && res.Status != StatusCompleted {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	c.inst.results.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	return res
}

func (c *Client) upload(ctx context.Context, task store.Task) Result {
	res := Result{TakeID: task.TakeID, Offset: task.AckedOffset}
	persist := context.WithoutCancel(ctx)

	f, err := os.Open(task.AudioPath)
	if err != nil {
		return c.fail(persist, task, res, fatal("open payload: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return c.fail(persist, task, res, fatal("stat payload: %w", err))
	}
	size := info.Size()

	offset := task.AckedOffset
	if offset > size {
		offset = size
	}
	for pass := 0; ; pass++ {
		res.Passes = pass + 1
		var ack Ack
		offset, ack, err = c.transfer(ctx, task, f, size, offset)
		res.Offset = offset
		if err == nil {
			res.Status = StatusCompleted
			res.Reward = ack.Reward
			if err := c.queue.MarkComplete(persist, task, ack.Reward); err != nil {
				res.Err = fmt.Errorf("record completion: %w", err)
			}
			return res
		}
		if errors.Is(err, store.ErrLeaseLost) {
			res.Status = StatusFailed
			res.Err = err
			return res
		}
		if ctx.Err() != nil {
			return c.release(persist, task, res, ctx.Err())
		}
		if IsFatal(err) {
			return c.fail(persist, task, res, err)
		}
		if pass >= c.backoff.MaxRetries {
			res.Status = StatusFailed
			res.Retryable = true
			res.Err = err
			if qerr := c.queue.MarkAttempt(persist, task, err); qerr != nil {
				res.Err = errors.Join(err, qerr)
			}
			return res
		}

		delay := c.backoff.Delay(pass)
		c.inst.retries.Add(persist, 1)
		c.log.Warn("upload pass failed, retrying",
			slog.String("take_id", task.TakeID),
			slog.Int("pass", pass+1),
			slog.Int64("offset", offset),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return c.release(persist, task, res, err)
		}
	}
}

// transfer sends the payload from offset to the end and returns the last
// acknowledged offset.
func (c *Client) transfer(ctx context.Context, task store.Task, payload io.ReaderAt, size, offset int64) (int64, Ack, error) {
	for {
		index := int(offset / c.chunkSize)
		end := (int64(index) + 1) * c.chunkSize
		if end > size {
			end = size
		}
		data := make([]byte, end-offset)
		if _, err := io.ReadFull(io.NewSectionReader(payload, offset, end-offset), data); err != nil {
			return offset, Ack{}, fatal("read payload at %d: %w", offset, err)
		}
		final := end >= size

		if err := c.queue.RenewLease(context.WithoutCancel(ctx), task); err != nil {
			return offset, Ack{}, fmt.Errorf("renew lease: %w", err)
		}
		chunkCtx, cancel := context.WithTimeout(ctx, c.chunkTimeout)
		sent := time.Now()
		ack, err := c.collector.SendChunk(chunkCtx, ChunkRequest{
			TakeID:      task.TakeID,
			LanguageTag: task.LanguageTag,
			Index:       index,
			Offset:      offset,
			TotalSize:   size,
			Data:        data,
			Final:       final,
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return offset, Ack{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return offset, Ack{}, transient("chunk %d timed out after %s", index, c.chunkTimeout)
			}
			return offset, Ack{}, err
		}
		c.inst.latency.Record(ctx, time.Since(sent).Seconds())
		c.inst.chunks.Add(ctx, 1)
		c.inst.bytes.Add(ctx, int64(len(data)))

		acked := ack.Offset
		if acked > size {
			acked = size
		}
		if acked > offset {
			if err := c.queue.SaveProgress(context.WithoutCancel(ctx), task, acked); err != nil {
				return offset, Ack{}, fmt.Errorf("save progress: %w", err)
			}
			offset = acked
		}
		if acked < end {
			return offset, Ack{}, transient("collector acknowledged offset %d, expected %d", ack.Offset, end)
		}
		if final {
			if ack.Complete {
				return offset, ack, nil
			}
			return offset, Ack{}, transient("collector did not confirm completion of take %s", task.TakeID)
		}
	}
}

func (c *Client) fail(ctx context.Context, task store.Task, res Result, err error) Result {
	res.Status = StatusFailed
	res.Err = err
	if qerr := c.queue.MarkFailed(ctx, task, err); qerr != nil {
		res.Err = errors.Join(err, qerr)
	}
	return res
}

func (c *Client) release(ctx context.Context, task store.Task, res Result, err error) Result {
	res.Status = StatusCancelled
	res.Retryable = true
	res.Err = err
	if qerr := c.queue.Release(ctx, task); qerr != nil {
		res.Err = errors.Join(err, qerr)
	}
	return res
}
