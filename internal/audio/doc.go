// Package audio defines the analysis window passed through the recording
// pipeline and the 16-bit PCM WAV payload format persisted for each take.
package audio
