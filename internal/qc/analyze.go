package qc

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/vad"
)

// Analysis is the result of replaying a stored payload through the
// metrics pipeline.
type Analysis struct {
	Metrics        Metrics       `json:"metrics"`
	Duration       time.Duration `json:"duration"`
	SampleRate     int           `json:"sample_rate"`
	Windows        int64         `json:"windows"`
	InvalidWindows int64         `json:"invalid_windows"`
}

// AnalyzeFile decodes a WAV payload and computes its metrics with the same
// window size, gate and noise-floor tracking used while recording.
func AnalyzeFile(path string, cfg config.Config) (Analysis, error) {
	gate, err := vad.FromConfig(cfg.VAD)
	if err != nil {
		return Analysis{}, err
	}
	r, err := audio.Open(path, cfg.Audio.WindowSamples())
	if err != nil {
		return Analysis{}, err
	}
	defer r.Close()

	info := r.Info()
	if info.SampleRate != cfg.Audio.SampleRate {
		return Analysis{}, fmt.Errorf("payload sample rate %d does not match configured %d", info.SampleRate, cfg.Audio.SampleRate)
	}

	calc := NewCalculator(cfg.Audio)
	var res Analysis
	for {
		w, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Analysis{}, err
		}
		// The trailing window of a file may be short; measure it as is.
		lvl := Measure(w, 0, cfg.Audio.ClipThreshold)
		voiced := lvl.Valid && gate.Classify(w, lvl.RMS)
		res.Metrics = calc.Add(lvl, voiced)
		res.Windows++
	}
	res.SampleRate = info.SampleRate
	res.Duration = audio.WindowDuration(int(info.Samples), info.SampleRate)
	res.InvalidWindows = calc.InvalidWindows()
	return res, nil
}
