package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Window is a fixed-size run of normalized mono samples in [-1, 1].
type Window struct {
	Seq        uint64
	SampleRate int
	Samples    []float32
}

// Duration is the real-time span covered by the window.
func (w Window) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// WindowDuration converts a sample count at rate into wall time.
func WindowDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// DecodePCM16 converts little-endian signed 16-bit PCM into normalized samples.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// EncodePCM16 is the inverse of DecodePCM16.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ToInt16(s)))
	}
	return out
}

// ToInt16 scales a normalized sample to 16-bit, saturating at full scale.
func ToInt16(s float32) int16 {
	v := float64(s) * 32767
	switch {
	case v != v:
		return 0
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	}
	return int16(v)
}
