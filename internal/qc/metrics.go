// Package qc computes streaming quality-control metrics for a take.
package qc

import (
	"math"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/config"
)

// minFloor keeps SNR finite when the room is digitally silent (-120 dBFS).
const minFloor = 1e-6

// Metrics is the quality snapshot attached to a take.
type Metrics struct {
	RMS         float64 `json:"rms"`
	ClippingPct float64 `json:"clipping_pct"`
	VADRatio    float64 `json:"vad_ratio"`
	SNRDB       float64 `json:"snr_db"`
}

// Level is the per-window measurement fed into a Calculator.
type Level struct {
	RMS        float64
	SumSquares float64
	Samples    int
	Clipped    int
	Valid      bool
}

// Measure scans one window. Windows with the wrong length or non-finite
// samples are returned with Valid=false.
func Measure(w audio.Window, expectedLen int, clipThreshold float64) Level {
	if len(w.Samples) == 0 || (expectedLen > 0 && len(w.Samples) != expectedLen) {
		return Level{}
	}
	var lvl Level
	for _, s := range w.Samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Level{}
		}
		lvl.SumSquares += v * v
		if math.Abs(v) >= clipThreshold {
			lvl.Clipped++
		}
	}
	lvl.Samples = len(w.Samples)
	lvl.RMS = math.Sqrt(lvl.SumSquares / float64(lvl.Samples))
	lvl.Valid = true
	return lvl
}

// Calculator accumulates metrics across the windows of a single take. Every
// update is O(1); nothing re-scans earlier windows.
type Calculator struct {
	expectedLen   int
	clipThreshold float64
	alpha         float64

	totalSquares float64
	totalSamples int64
	clipped      int64

	windows       int64
	voicedWindows int64
	invalid       int64

	voicedPower float64
	floor       float64
	floorSeeded bool
}

func NewCalculator(cfg config.AudioConfig) *Calculator {
	return &Calculator{
		expectedLen:   cfg.WindowSamples(),
		clipThreshold: cfg.ClipThreshold,
		alpha:         cfg.NoiseFloorAlpha,
	}
}

// Measure scans a window using the calculator's window size and clip threshold.
func (c *Calculator) Measure(w audio.Window) Level {
	return Measure(w, c.expectedLen, c.clipThreshold)
}

// Compute folds a window into the take and returns the running snapshot.
func (c *Calculator) Compute(w audio.Window, voiced bool) Metrics {
	return c.Add(c.Measure(w), voiced)
}

// Add folds a pre-measured window into the take. Invalid windows count as
// silent windows that carry no samples.
func (c *Calculator) Add(lvl Level, voiced bool) Metrics {
	c.windows++
	if !lvl.Valid {
		c.invalid++
		return c.Snapshot()
	}
	c.totalSquares += lvl.SumSquares
	c.totalSamples += int64(lvl.Samples)
	c.clipped += int64(lvl.Clipped)

	if voiced {
		c.voicedWindows++
		n := float64(c.voicedWindows)
		c.voicedPower += (lvl.RMS*lvl.RMS - c.voicedPower) / n
	} else {
		if !c.floorSeeded {
			c.floor = lvl.RMS
			c.floorSeeded = true
		} else {
			c.floor = c.alpha*lvl.RMS + (1-c.alpha)*c.floor
		}
	}
	return c.Snapshot()
}

// Snapshot returns the metrics over every window observed so far.
func (c *Calculator) Snapshot() Metrics {
	var m Metrics
	if c.totalSamples > 0 {
		m.RMS = math.Sqrt(c.totalSquares / float64(c.totalSamples))
		m.ClippingPct = float64(c.clipped) / float64(c.totalSamples) * 100
	}
	if c.windows > 0 {
		m.VADRatio = float64(c.voicedWindows) / float64(c.windows) * 100
	}
	m.SNRDB = c.snr()
	return m
}

// NoiseFloor is the current noise-floor RMS estimate, zero until seeded.
func (c *Calculator) NoiseFloor() float64 { return c.floor }

// InvalidWindows counts malformed windows seen so far.
func (c *Calculator) InvalidWindows() int64 { return c.invalid }

func (c *Calculator) snr() float64 {
	if c.voicedWindows == 0 || !c.floorSeeded {
		return 0
	}
	signal := math.Sqrt(c.voicedPower)
	floor := math.Max(c.floor, minFloor)
	if signal <= 0 {
		return 0
	}
	return 20 * math.Log10(signal/floor)
}
