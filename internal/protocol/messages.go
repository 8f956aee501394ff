package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TakeEvent is broadcast whenever a take changes lifecycle state.
type TakeEvent struct {
	TakeID    string          `json:"take_id"`
	DeviceID  string          `json:"device_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTakePrefix       = "takes"
)

// Take event types.
const (
	EventTakeFinalized = "finalized"
	EventTakeAccepted  = "accepted"
	EventTakeRejected  = "rejected"
	EventTakeQueued    = "queued"
	EventUploadStarted = "upload.started"
	EventUploadFailed  = "upload.failed"
	EventUploadDone    = "upload.completed"
)

// AudioFrameSubject is the subject frames for a session are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// TakeSubject is the subject events of type eventType are published on.
func TakeSubject(eventType string) string {
	return SubjectTakePrefix + "." + eventType
}
