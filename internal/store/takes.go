package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cowcowlabs/cowcow/internal/qc"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Take is a finalized recording. Metrics are immutable once inserted; only
// the upload path changes Status.
type Take struct {
	ID              string          `json:"id"`
	DeviceID        string          `json:"device_id,omitempty"`
	LanguageTag     string          `json:"language_tag"`
	Prompt          string          `json:"prompt,omitempty"`
	Metrics         qc.Metrics      `json:"metrics"`
	AudioPath       string          `json:"audio_path"`
	DurationSeconds float64         `json:"duration_seconds"`
	StopReason      string          `json:"stop_reason,omitempty"`
	Status          Status          `json:"status"`
	Rejections      []string        `json:"qc_rejections,omitempty"`
	Reward          json.RawMessage `json:"reward,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UploadedAt      *time.Time      `json:"uploaded_at,omitempty"`
}

// TakeFilter narrows ListTakes. Zero values match everything.
type TakeFilter struct {
	LanguageTag string
	Status      Status
	MinSNR      *float64
	Rejected    *bool
	Limit       int
}

const takeColumns = `id, device_id, language_tag, prompt, rms, clipping_pct, vad_ratio, snr_db,
	audio_path, duration_seconds, stop_reason, status, qc_rejections, reward, created_at, uploaded_at`

func (s *Store) InsertTake(ctx context.Context, t Take) error {
	if t.ID == "" {
		return errors.New("take id must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO takes(id, device_id, language_tag, prompt, rms, clipping_pct, vad_ratio, snr_db,
			audio_path, duration_seconds, stop_reason, status, qc_rejections, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DeviceID, t.LanguageTag, nullString(t.Prompt),
		t.Metrics.RMS, t.Metrics.ClippingPct, t.Metrics.VADRatio, t.Metrics.SNRDB,
		t.AudioPath, t.DurationSeconds, t.StopReason, string(t.Status),
		strings.Join(t.Rejections, ","), t.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert take: %w", err)
	}
	return nil
}

func (s *Store) GetTake(ctx context.Context, id string) (Take, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+takeColumns+` FROM takes WHERE id = ?`, id)
	t, err := scanTake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Take{}, fmt.Errorf("take %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *Store) ListTakes(ctx context.Context, f TakeFilter) ([]Take, error) {
	var (
		where []string
		args  []any
	)
	if f.LanguageTag != "" {
		where = append(where, "language_tag = ?")
		args = append(args, f.LanguageTag)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.MinSNR != nil {
		where = append(where, "snr_db >= ?")
		args = append(args, *f.MinSNR)
	}
	if f.Rejected != nil {
		if *f.Rejected {
			where = append(where, "qc_rejections != ''")
		} else {
			where = append(where, "qc_rejections = ''")
		}
	}
	query := `SELECT ` + takeColumns + ` FROM takes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var takes []Take
	for rows.Next() {
		t, err := scanTake(rows)
		if err != nil {
			return nil, err
		}
		takes = append(takes, t)
	}
	return takes, rows.Err()
}

// RecordRejection stores the quality gate's reasons for a take.
func (s *Store) RecordRejection(ctx context.Context, id string, reasons []string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE takes SET qc_rejections = ? WHERE id = ?`, strings.Join(reasons, ","), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("take %s: %w", id, ErrNotFound)
	}
	return nil
}

// Stats summarizes the local take collection.
type Stats struct {
	Total           int            `json:"total"`
	Rejected        int            `json:"rejected"`
	ByStatus        map[Status]int `json:"by_status"`
	ByLanguage      map[string]int `json:"by_language"`
	DurationSeconds float64        `json:"duration_seconds"`
	AvgSNRDB        float64        `json:"avg_snr_db"`
	AvgClippingPct  float64        `json:"avg_clipping_pct"`
	AvgVADRatio     float64        `json:"avg_vad_ratio"`
	QueueDepth      int            `json:"queue_depth"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[Status]int{}, ByLanguage: map[string]int{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN qc_rejections != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(AVG(snr_db), 0), COALESCE(AVG(clipping_pct), 0), COALESCE(AVG(vad_ratio), 0)
		 FROM takes`).
		Scan(&st.Total, &st.Rejected, &st.DurationSeconds, &st.AvgSNRDB, &st.AvgClippingPct, &st.AvgVADRatio)
	if err != nil {
		return Stats{}, err
	}

	if err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM takes GROUP BY status`, func(k string, n int) {
		st.ByStatus[Status(k)] = n
	}); err != nil {
		return Stats{}, err
	}
	if err := s.groupCount(ctx, `SELECT language_tag, COUNT(*) FROM takes GROUP BY language_tag`, func(k string, n int) {
		st.ByLanguage[k] = n
	}); err != nil {
		return Stats{}, err
	}
	depth, err := s.Pending(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.QueueDepth = depth
	return st, nil
}

func (s *Store) groupCount(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTake(row scanner) (Take, error) {
	var (
		t          Take
		prompt     sql.NullString
		status     string
		rejections string
		reward     []byte
		created    int64
		uploaded   sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.DeviceID, &t.LanguageTag, &prompt,
		&t.Metrics.RMS, &t.Metrics.ClippingPct, &t.Metrics.VADRatio, &t.Metrics.SNRDB,
		&t.AudioPath, &t.DurationSeconds, &t.StopReason, &status, &rejections, &reward, &created, &uploaded)
	if err != nil {
		return Take{}, err
	}
	t.Prompt = prompt.String
	t.Status = Status(status)
	if rejections != "" {
		t.Rejections = strings.Split(rejections, ",")
	}
	if len(reward) > 0 {
		t.Reward = json.RawMessage(reward)
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UploadedAt = fromNanos(uploaded)
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
