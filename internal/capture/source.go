// Package capture delivers audio windows from a device, a file or the bus
// over a bounded channel.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/cowcowlabs/cowcow/internal/audio"
)

// Event carries either a window or a device error. A device error is always
// the last event before the channel closes.
type Event struct {
	Window audio.Window
	Err    error
}

// Source produces windows until the stream ends, the context is cancelled or
// the device fails. The returned channel is closed when the source stops.
type Source interface {
	Start(ctx context.Context) (<-chan Event, error)
	Close() error
}

// ErrDevice wraps failures reported by the underlying audio device.
var ErrDevice = errors.New("audio device error")

func deviceError(err error) error {
	return fmt.Errorf("%w: %v", ErrDevice, err)
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// framer cuts a PCM16 byte stream into windows of a fixed sample count.
type framer struct {
	rate    int
	samples int
	buf     []byte
	seq     uint64
}

func newFramer(rate, samples int) *framer {
	return &framer{rate: rate, samples: samples}
}

// push appends pcm and returns every complete window.
func (f *framer) push(pcm []byte) ([]audio.Window, error) {
	f.buf = append(f.buf, pcm...)
	size := f.samples * 2
	var out []audio.Window
	for len(f.buf) >= size {
		samples, err := audio.DecodePCM16(f.buf[:size])
		if err != nil {
			return out, err
		}
		out = append(out, audio.Window{Seq: f.seq, SampleRate: f.rate, Samples: samples})
		f.seq++
		f.buf = f.buf[size:]
	}
	return out, nil
}

// flush pads any buffered remainder with silence into a final window.
func (f *framer) flush() (audio.Window, bool) {
	n := len(f.buf) / 2
	if n == 0 {
		f.buf = nil
		return audio.Window{}, false
	}
	samples, err := audio.DecodePCM16(f.buf[:n*2])
	f.buf = nil
	if err != nil {
		return audio.Window{}, false
	}
	padded := make([]float32, f.samples)
	copy(padded, samples)
	w := audio.Window{Seq: f.seq, SampleRate: f.rate, Samples: padded}
	f.seq++
	return w, true
}
