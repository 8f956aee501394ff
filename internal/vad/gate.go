// Package vad decides whether an audio window carries voice.
package vad

import (
	"fmt"

	"github.com/cowcowlabs/cowcow/internal/audio"
	"github.com/cowcowlabs/cowcow/internal/config"
)

// Detector is a voice activity model. Implementations may keep state across
// windows of a single take and are not safe for concurrent use.
type Detector interface {
	Detect(w audio.Window, rms float64) bool
	Reset()
}

// Gate combines a detector decision with an RMS threshold. Either signal on
// its own marks the window as voiced.
type Gate struct {
	threshold float64
	detector  Detector
}

func NewGate(threshold float64, detector Detector) Gate {
	if detector == nil {
		detector = Static(false)
	}
	return Gate{threshold: threshold, detector: detector}
}

// FromConfig builds a gate with the detector named in cfg.
func FromConfig(cfg config.VADConfig) (Gate, error) {
	var det Detector
	switch cfg.Detector {
	case "energy":
		det = NewEnergyDetector(cfg.SpeechThreshold, cfg.SilenceThreshold, cfg.SpeechFrames, cfg.SilenceFrames)
	case "none", "":
		det = Static(false)
	default:
		return Gate{}, fmt.Errorf("unknown vad detector %q", cfg.Detector)
	}
	return NewGate(cfg.RMSThreshold, det), nil
}

// IsVoice is the pure combination rule.
func (g Gate) IsVoice(modelVoiced bool, rms float64) bool {
	return modelVoiced || rms > g.threshold
}

// Classify runs the detector on w and applies IsVoice.
func (g Gate) Classify(w audio.Window, rms float64) bool {
	return g.IsVoice(g.detector.Detect(w, rms), rms)
}

// Reset clears detector state between takes.
func (g Gate) Reset() { g.detector.Reset() }

func (g Gate) Threshold() float64 { return g.threshold }

// Static is a detector with a fixed answer.
type Static bool

func (s Static) Detect(audio.Window, float64) bool { return bool(s) }
func (Static) Reset() {}
