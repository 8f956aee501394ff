package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cowcowlabs/cowcow/internal/audio"
)

// FileSource replays a WAV payload as if it came from a device. With
// Realtime set it paces windows at their real duration.
type FileSource struct {
	Path       string
	SampleRate int
	Samples    int
	Buffer     int
	Realtime   bool
}

func (s *FileSource) Start(ctx context.Context) (<-chan Event, error) {
	r, err := audio.Open(s.Path, s.Samples)
	if err != nil {
		return nil, err
	}
	if s.SampleRate > 0 && r.Info().SampleRate != s.SampleRate {
		r.Close()
		return nil, fmt.Errorf("payload sample rate %d does not match configured %d", r.Info().SampleRate, s.SampleRate)
	}
	buffer := s.Buffer
	if buffer <= 0 {
		buffer = 1
	}

	out := make(chan Event, buffer)
	go func() {
		defer close(out)
		defer r.Close()
		var ticker *time.Ticker
		if s.Realtime {
			ticker = time.NewTicker(audio.WindowDuration(s.Samples, r.Info().SampleRate))
			defer ticker.Stop()
		}
		for {
			w, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				emit(ctx, out, Event{Err: deviceError(err)})
				return
			}
			if len(w.Samples) < s.Samples {
				padded := make([]float32, s.Samples)
				copy(padded, w.Samples)
				w.Samples = padded
			}
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
			if !emit(ctx, out, Event{Window: w}) {
				return
			}
		}
	}()
	return out, nil
}

func (s *FileSource) Close() error { return nil }
