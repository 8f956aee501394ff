package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueEmpty    = errors.New("upload queue empty")
	ErrAlreadyQueued   = errors.New("take already has an active upload task")
	ErrAlreadyUploaded = errors.New("take already uploaded")
	ErrLeaseLost       = errors.New("upload task lease lost")
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskUploading TaskStatus = "uploading"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a take waiting for (or undergoing) transfer.
type Task struct {
	TakeID       string     `json:"take_id"`
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	AckedOffset  int64      `json:"acked_offset"`
	CreatedAt    time.Time  `json:"created_at"`

	// Filled from the take on dequeue.
	AudioPath   string `json:"audio_path,omitempty"`
	LanguageTag string `json:"language_tag,omitempty"`

	// Lease is the token handed out with the task; every later update must
	// present it.
	Lease string `json:"-"`
}

// Enqueue makes a take eligible for upload. A take with a pending or
// in-flight task is left alone and a completed one is final. A failed task
// is reactivated with its attempt count and acknowledged offset preserved.
func (s *Store) Enqueue(ctx context.Context, takeID string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM upload_queue WHERE take_id = ?`, takeID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO upload_queue(take_id, priority, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
				takeID, priority, string(TaskPending), now, now); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		case err != nil:
			return err
		case TaskStatus(status) == TaskPending || TaskStatus(status) == TaskUploading:
			return ErrAlreadyQueued
		case TaskStatus(status) == TaskCompleted:
			return ErrAlreadyUploaded
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE upload_queue SET status = ?, priority = ?, error_message = NULL, lease_owner = NULL,
					lease_expires_at = 0, not_before = 0, created_at = ?, updated_at = ?
				 WHERE take_id = ?`,
				string(TaskPending), priority, now, now, takeID); err != nil {
				return fmt.Errorf("requeue task: %w", err)
			}
		}
		return setTakeStatus(ctx, tx, takeID, StatusPending)
	})
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

// DequeueNext leases the highest-priority, oldest available task. An
// uploading task is only redelivered once its lease has expired, so a live
// uploader in this or any other process keeps its task.
func (s *Store) DequeueNext(ctx context.Context) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task Task
	now := s.now()
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT q.take_id, q.priority, q.attempts, q.last_attempt, q.error_message, q.acked_offset, q.created_at,
				t.audio_path, t.language_tag
			 FROM upload_queue q JOIN takes t ON t.id = q.take_id
			 WHERE (q.status = ? AND q.not_before <= ?)
			    OR (q.status = ? AND q.lease_expires_at <= ?)
			 ORDER BY q.priority DESC, q.created_at ASC, q.rowid ASC
			 LIMIT 1`,
			string(TaskPending), now, string(TaskUploading), now)
		var (
			last    sql.NullInt64
			msg     sql.NullString
			created int64
		)
		err := row.Scan(&task.TakeID, &task.Priority, &task.Attempts, &last, &msg, &task.AckedOffset, &created,
			&task.AudioPath, &task.LanguageTag)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrQueueEmpty
		}
		if err != nil {
			return err
		}
		task.LastAttempt = fromNanos(last)
		task.ErrorMessage = msg.String
		task.CreatedAt = time.Unix(0, created).UTC()
		task.Status = TaskUploading
		task.Lease = uuid.NewString()

		if _, err := tx.ExecContext(ctx,
			`UPDATE upload_queue SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ? WHERE take_id = ?`,
			string(TaskUploading), task.Lease, s.leaseExpiry(now), now, task.TakeID); err != nil {
			return err
		}
		return setTakeStatus(ctx, tx, task.TakeID, StatusUploading)
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// MarkAttempt records a failed invocation that may be retried later: the
// attempt counter grows, the error is kept and the task returns to the
// queue.
func (s *Store) MarkAttempt(ctx context.Context, task Task, cause error) error {
	return s.finish(ctx, task, TaskPending, StatusFailed, cause, true)
}

// MarkFailed records a permanent failure. The task stays failed until it is
// enqueued again.
func (s *Store) MarkFailed(ctx context.Context, task Task, cause error) error {
	return s.finish(ctx, task, TaskFailed, StatusFailed, cause, true)
}

// Release gives an unfinished task back to the queue without counting an
// attempt, keeping its acknowledged offset.
func (s *Store) Release(ctx context.Context, task Task) error {
	return s.finish(ctx, task, TaskPending, StatusPending, nil, false)
}

// MarkComplete records the collector's completion acknowledgement.
func (s *Store) MarkComplete(ctx context.Context, task Task, reward json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.updateOwned(ctx, tx, task.TakeID,
			`UPDATE upload_queue SET status = ?, lease_owner = NULL, lease_expires_at = 0, error_message = NULL, updated_at = ?
			 WHERE take_id = ? AND status = ? AND lease_owner = ?`,
			string(TaskCompleted), now, task.TakeID, string(TaskUploading), task.Lease); err != nil {
			return err
		}
		var rewardArg any
		if len(reward) > 0 {
			rewardArg = []byte(reward)
		}
		_, err := tx.ExecContext(ctx, `UPDATE takes SET status = ?, uploaded_at = ?, reward = ? WHERE id = ?`,
			string(StatusCompleted), now, rewardArg, task.TakeID)
		return err
	})
	return err
}

// SaveProgress persists the acknowledged byte offset and extends the lease.
// The offset never moves backwards.
func (s *Store) SaveProgress(ctx context.Context, task Task, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return s.updateOwned(ctx, s.db, task.TakeID,
		`UPDATE upload_queue SET acked_offset = MAX(acked_offset, ?), lease_expires_at = ?, updated_at = ?
		 WHERE take_id = ? AND status = ? AND lease_owner = ?`,
		offset, s.leaseExpiry(now), now, task.TakeID, string(TaskUploading), task.Lease)
}

// RenewLease extends the lease of an in-flight task. It fails with
// ErrLeaseLost once the task has been handed to another uploader.
func (s *Store) RenewLease(ctx context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return s.updateOwned(ctx, s.db, task.TakeID,
		`UPDATE upload_queue SET lease_expires_at = ?, updated_at = ?
		 WHERE take_id = ? AND status = ? AND lease_owner = ?`,
		s.leaseExpiry(now), now, task.TakeID, string(TaskUploading), task.Lease)
}

func (s *Store) leaseExpiry(now int64) int64 {
	return now + s.cfg.LeaseTTL().Nanoseconds()
}

// GetTask returns the queue row of a take.
func (s *Store) GetTask(ctx context.Context, takeID string) (Task, error) {
	var (
		t       Task
		status  string
		last    sql.NullInt64
		msg     sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT take_id, priority, status, attempts, last_attempt, error_message, acked_offset, created_at
		 FROM upload_queue WHERE take_id = ?`, takeID).
		Scan(&t.TakeID, &t.Priority, &status, &t.Attempts, &last, &msg, &t.AckedOffset, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", takeID, ErrNotFound)
	}
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.LastAttempt = fromNanos(last)
	t.ErrorMessage = msg.String
	t.CreatedAt = time.Unix(0, created).UTC()
	return t, nil
}

// Pending counts tasks still waiting for or undergoing transfer.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_queue WHERE status IN (?, ?)`,
		string(TaskPending), string(TaskUploading)).Scan(&n)
	return n, err
}

func (s *Store) finish(ctx context.Context, task Task, next TaskStatus, takeStatus Status, cause error, countAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var msg sql.NullString
	if cause != nil {
		msg = sql.NullString{String: cause.Error(), Valid: true}
	}
	increment := 0
	notBefore := int64(0)
	if countAttempt {
		increment = 1
		notBefore = now + s.cfg.RetryDelay().Nanoseconds()
	}
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.updateOwned(ctx, tx, task.TakeID,
			`UPDATE upload_queue SET status = ?, lease_owner = NULL, lease_expires_at = 0, attempts = attempts + ?,
				last_attempt = CASE WHEN ? = 1 THEN ? ELSE last_attempt END,
				error_message = COALESCE(?, error_message), not_before = ?, updated_at = ?
			 WHERE take_id = ? AND status = ? AND lease_owner = ?`,
			string(next), increment, increment, now, msg, notBefore, now,
			task.TakeID, string(TaskUploading), task.Lease); err != nil {
			return err
		}
		return setTakeStatus(ctx, tx, task.TakeID, takeStatus)
	})
	if err == nil && next == TaskPending {
		s.signal()
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) updateOwned(ctx context.Context, db execer, takeID, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", takeID, ErrLeaseLost)
	}
	return nil
}

func setTakeStatus(ctx context.Context, tx *sql.Tx, takeID string, status Status) error {
	res, err := tx.ExecContext(ctx, `UPDATE takes SET status = ? WHERE id = ?`, string(status), takeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("take %s: %w", takeID, ErrNotFound)
	}
	return nil
}
