package vad

import "github.com/cowcowlabs/cowcow/internal/audio"

// EnergyDetector classifies windows from their RMS level with hysteresis so
// the decision does not flicker around a single threshold.
type EnergyDetector struct {
	speechThreshold  float64
	silenceThreshold float64
	speechFrames     int
	silenceFrames    int

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewEnergyDetector returns a detector that enters speech after speechFrames
// windows at or above speechThreshold and leaves it after silenceFrames
// windows below silenceThreshold.
func NewEnergyDetector(speechThreshold, silenceThreshold float64, speechFrames, silenceFrames int) *EnergyDetector {
	if speechFrames < 1 {
		speechFrames = 1
	}
	if silenceFrames < 1 {
		silenceFrames = 1
	}
	return &EnergyDetector{
		speechThreshold:  speechThreshold,
		silenceThreshold: silenceThreshold,
		speechFrames:     speechFrames,
		silenceFrames:    silenceFrames,
	}
}

func (d *EnergyDetector) Detect(_ audio.Window, level float64) bool {
	if d.inSpeech {
		if level < d.silenceThreshold {
			d.silenceCount++
			d.speechCount = 0
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
		return d.inSpeech
	}
	if level >= d.speechThreshold {
		d.speechCount++
		d.silenceCount = 0
		if d.speechCount >= d.speechFrames {
			d.inSpeech = true
			d.speechCount = 0
		}
	} else {
		d.speechCount = 0
	}
	return d.inSpeech
}

func (d *EnergyDetector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}
