package qc

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/config"
)

func window(n int, value float32) audio.Window {
	samples := make([]float32, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = value
		} else {
			samples[i] = -value
		}
	}
	return audio.Window{SampleRate: 16000, Samples: samples}
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	return NewCalculator(config.Default().Audio)
}

func TestZeroSignalHasNoClipping(t *testing.T) {
	c := newCalc(t)
	var m Metrics
	for i := 0; i < 50; i++ {
		m = c.Compute(window(320, 0), false)
	}
	if m.ClippingPct != 0 || m.RMS != 0 {
		t.Fatalf("expected silent metrics, got %+v", m)
	}
	if m.SNRDB != 0 {
		t.Fatalf("expected sentinel SNR without voiced windows, got %f", m.SNRDB)
	}
}

func TestClippingMonotonic(t *testing.T) {
	c := newCalc(t)
	for i := 0; i < 40; i++ {
		before := c.Snapshot().ClippingPct
		clipped := i%3 == 0
		w := window(320, 0.3)
		if clipped {
			w = window(320, 1.0)
		}
		m := c.Compute(w, true)
		if clipped && m.ClippingPct < before {
			t.Fatalf("clipping decreased after clipped window %d: %f < %f", i, m.ClippingPct, before)
		}
		if m.ClippingPct < 0 || m.ClippingPct > 100 {
			t.Fatalf("clipping out of range: %f", m.ClippingPct)
		}
	}

	all := newCalc(t)
	prev := 0.0
	for i := 0; i < 10; i++ {
		m := all.Compute(window(320, 1.0), true)
		if m.ClippingPct < prev {
			t.Fatalf("clipping decreased on a fully clipped take: %f < %f", m.ClippingPct, prev)
		}
		prev = m.ClippingPct
	}
	if prev != 100 {
		t.Fatalf("expected 100%% clipping, got %f", prev)
	}
}

func TestClippingAccumulatesOverTake(t *testing.T) {
	c := newCalc(t)
	c.Compute(window(320, 1.0), true)
	m := c.Compute(window(320, 0.1), true)
	if math.Abs(m.ClippingPct-50) > 1e-9 {
		t.Fatalf("expected 50%% clipping over the take, got %f", m.ClippingPct)
	}
}

func TestSNRSentinelUntilBothClassesSeen(t *testing.T) {
	c := newCalc(t)
	if m := c.Compute(window(320, 0.1), true); m.SNRDB != 0 {
		t.Fatalf("expected sentinel with only voiced windows, got %f", m.SNRDB)
	}
	c2 := newCalc(t)
	if m := c2.Compute(window(320, 0.001), false); m.SNRDB != 0 {
		t.Fatalf("expected sentinel with only silent windows, got %f", m.SNRDB)
	}
}

func TestSNREstimate(t *testing.T) {
	c := newCalc(t)
	var m Metrics
	for i := 0; i < 25; i++ {
		m = c.Compute(window(320, 0.001), false)
	}
	for i := 0; i < 100; i++ {
		m = c.Compute(window(320, 0.1), true)
	}
	// 0.1 / 0.001 is 40 dB; the estimator is approximate.
	if m.SNRDB < 38 || m.SNRDB > 42 {
		t.Fatalf("expected SNR near 40 dB, got %f", m.SNRDB)
	}
	if math.Abs(m.VADRatio-80) > 1e-9 {
		t.Fatalf("expected 80%% vad ratio, got %f", m.VADRatio)
	}
}

func TestNoiseFloorAdaptsSlowly(t *testing.T) {
	c := newCalc(t)
	c.Compute(window(320, 0.001), false)
	c.Compute(window(320, 0.1), false)
	floor := c.NoiseFloor()
	// alpha 0.05: 0.05*0.1 + 0.95*0.001
	if math.Abs(floor-0.00595) > 1e-6 {
		t.Fatalf("unexpected floor %f", floor)
	}
}

func TestDigitalSilenceFloorIsClamped(t *testing.T) {
	c := newCalc(t)
	c.Compute(window(320, 0), false)
	m := c.Compute(window(320, 0.1), true)
	if math.IsInf(m.SNRDB, 0) || math.IsNaN(m.SNRDB) {
		t.Fatalf("expected finite SNR, got %f", m.SNRDB)
	}
	if math.Abs(m.SNRDB-100) > 0.01 {
		t.Fatalf("expected SNR against the clamped floor, got %f", m.SNRDB)
	}
}

func TestInvalidWindowsCountAsSilent(t *testing.T) {
	c := newCalc(t)
	c.Compute(window(320, 0.1), true)
	nan := window(320, 0.1)
	nan.Samples[5] = float32(math.NaN())
	c.Compute(nan, true)
	m := c.Compute(window(100, 0.1), true)
	if c.InvalidWindows() != 2 {
		t.Fatalf("expected 2 invalid windows, got %d", c.InvalidWindows())
	}
	if math.Abs(m.VADRatio-100.0/3) > 1e-9 {
		t.Fatalf("expected invalid windows to count as silent, got vad %f", m.VADRatio)
	}
	if math.Abs(m.RMS-0.1) > 1e-6 {
		t.Fatalf("invalid windows must not contribute samples, rms %f", m.RMS)
	}
	if c.NoiseFloor() != 0 {
		t.Fatalf("invalid windows must not seed the noise floor")
	}
}

func TestAnalyzeFile(t *testing.T) {
	cfg := config.Default()
	cfg.VAD.Detector = "none"
	path := filepath.Join(t.TempDir(), "take.wav")
	w, err := audio.Create(path, cfg.Audio.SampleRate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := w.Write(window(320, 0.2).Samples); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i := 0; i < 50; i++ {
		if err := w.Write(window(320, 0.001).Samples); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err := AnalyzeFile(path, cfg)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Windows != 100 || res.Duration.Seconds() != 2 {
		t.Fatalf("unexpected shape: %+v", res)
	}
	if math.Abs(res.Metrics.VADRatio-50) > 1e-9 {
		t.Fatalf("expected half the windows voiced, got %f", res.Metrics.VADRatio)
	}
	if res.Metrics.SNRDB < 40 || res.Metrics.SNRDB > 52 {
		t.Fatalf("unexpected SNR %f", res.Metrics.SNRDB)
	}
}
