package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cowcowlabs/cowcow/internal/config"
)

// ChunkRequest is one chunk of a take's payload. Offset is the byte offset
// of Data within the payload.
type ChunkRequest struct {
	TakeID      string
	LanguageTag string
	Index       int
	Offset      int64
	TotalSize   int64
	Data        []byte
	Final       bool
}

// Ack is the collector's answer to a chunk. Offset is the number of
// payload bytes the collector holds. Complete is only meaningful for the
// final chunk.
type Ack struct {
	Offset   int64           `json:"offset"`
	Complete bool            `json:"complete"`
	Reward   json.RawMessage `json:"reward,omitempty"`
}

// Collector transfers chunks to the remote side. Re-sending a chunk that was
// already acknowledged must be harmless.
type Collector interface {
	SendChunk(ctx context.Context, req ChunkRequest) (Ack, error)
}

// TransferError classifies a failed chunk transfer.
type TransferError struct {
	Fatal      bool
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transfer error (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transfer error: %v", kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsFatal reports whether err must not be retried. Errors that are not a
// TransferError are treated as transient.
func IsFatal(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Fatal
}

func transient(format string, args ...any) error {
	return &TransferError{Err: fmt.Errorf(format, args...)}
}

func fatal(format string, args ...any) error {
	return &TransferError{Fatal: true, Err: fmt.Errorf(format, args...)}
}

// statusError maps an HTTP-style status code onto the retry taxonomy:
// 408, 429 and 5xx are transient, any other 4xx is fatal.
func statusError(code int, err error) error {
	switch {
	case code == 408 || code == 429 || code >= 500:
		return &TransferError{StatusCode: code, Err: err}
	case code >= 400:
		return &TransferError{Fatal: true, StatusCode: code, Err: err}
	}
	return &TransferError{StatusCode: code, Err: err}
}

// NewCollector builds the collector selected by upload.collector.
func NewCollector(ctx context.Context, cfg config.Config) (Collector, error) {
	switch cfg.Upload.Collector {
	case "", "http":
		return NewHTTPCollector(cfg.Upload.Endpoint, cfg.DeviceID, &http.Client{}, BearerToken(cfg.Upload.APIKey)), nil
	case "s3":
		client, err := NewS3Client(ctx, cfg.Upload.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Collector(client, cfg.Upload.S3.Bucket, cfg.Upload.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown collector %q", cfg.Upload.Collector)
	}
}
