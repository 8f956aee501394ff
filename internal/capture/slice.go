package capture

import (
	"context"

	"github.com/cowcowlabs/cowcow/internal/audio"
)

// SliceSource plays a fixed list of windows, then optionally fails with Err.
// Hold, when set, keeps the stream open after the windows until ctx ends.
type SliceSource struct {
	Windows []audio.Window
	Err     error
	Hold    bool
}

func (s *SliceSource) Start(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for _, w := range s.Windows {
			if !emit(ctx, out, Event{Window: w}) {
				return
			}
		}
		if s.Err != nil {
			emit(ctx, out, Event{Err: deviceError(s.Err)})
			return
		}
		if s.Hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (s *SliceSource) Close() error { return nil }
