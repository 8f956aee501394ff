package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cowcowlabs/cowcow/internal/bus"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource consumes AudioFrame messages that a remote microphone publishes
// for one session. A frame marked Final ends the stream.
type BusSource struct {
	client    *bus.Client
	sessionID string
	rate      int
	samples   int
	buffer    int
	log       *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusSource(client *bus.Client, sessionID string, audioCfg config.AudioConfig, buffer int) *BusSource {
	if buffer <= 0 {
		buffer = 1
	}
	return &BusSource{
		client:    client,
		sessionID: sessionID,
		rate:      audioCfg.SampleRate,
		samples:   audioCfg.WindowSamples(),
		buffer:    buffer,
		log:       client.Logger().With(slog.String("component", "bus-source"), slog.String("session_id", sessionID)),
	}
}

func (s *BusSource) Start(ctx context.Context) (<-chan Event, error) {
	frames := make(chan *nats.Msg, s.buffer)
	sub, err := s.client.Conn().ChanSubscribe(protocol.AudioFrameSubject(s.sessionID), frames)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	out := make(chan Event, s.buffer)
	go func() {
		defer close(out)
		defer s.Close()
		f := newFramer(s.rate, s.samples)
		next := 0
		for {
			var msg *nats.Msg
			select {
			case <-ctx.Done():
				return
			case msg = <-frames:
			}
			var frame protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
				continue
			}
			if frame.SampleRate != s.rate || frame.Channels != 1 {
				emit(ctx, out, Event{Err: deviceError(fmt.Errorf("unsupported frame format %d Hz x%d", frame.SampleRate, frame.Channels))})
				return
			}
			if frame.Sequence != next {
				s.log.Warn("audio frame sequence gap", slog.Int("expected", next), slog.Int("got", frame.Sequence))
			}
			next = frame.Sequence + 1

			windows, err := f.push(frame.PCM)
			for _, w := range windows {
				if !emit(ctx, out, Event{Window: w}) {
					return
				}
			}
			if err != nil {
				emit(ctx, out, Event{Err: deviceError(err)})
				return
			}
			if frame.Final {
				if w, ok := f.flush(); ok {
					emit(ctx, out, Event{Window: w})
				}
				return
			}
		}
	}()
	return out, nil
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
		return nil
	}
	return err
}
