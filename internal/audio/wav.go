package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth       = 16
	pcmAudioFormat = 1
	partialSuffix  = ".partial"
)

// Writer streams a take into a WAV file. Samples go to a ".partial" file
// until Commit renames it into place, so a crash never leaves a payload
// that looks complete.
type Writer struct {
	path    string
	file    *os.File
	enc     *wav.Encoder
	rate    int
	samples int64
	closed  bool
}

// Create opens a partial payload for path at the given sample rate.
func Create(path string, sampleRate int) (*Writer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	file, err := os.Create(path + partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("create payload: %w", err)
	}
	return &Writer{
		path: path,
		file: file,
		enc:  wav.NewEncoder(file, sampleRate, bitDepth, 1, pcmAudioFormat),
		rate: sampleRate,
	}, nil
}

// Write appends normalized samples.
func (w *Writer) Write(samples []float32) error {
	if w.closed {
		return errors.New("payload writer closed")
	}
	if len(samples) == 0 {
		return nil
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(ToInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: w.rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.samples += int64(len(samples))
	return nil
}

// Samples reports how many samples have been written.
func (w *Writer) Samples() int64 { return w.samples }

// Path is the final payload location.
func (w *Writer) Path() string { return w.path }

// Commit finalizes the WAV header and moves the payload to its final path.
func (w *Writer) Commit() (string, error) {
	if w.closed {
		return "", errors.New("payload writer closed")
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return "", fmt.Errorf("close wav encoder: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("close payload: %w", err)
	}
	if err := os.Rename(w.path+partialSuffix, w.path); err != nil {
		return "", fmt.Errorf("rename payload: %w", err)
	}
	return w.path, nil
}

// Discard drops the partial payload.
func (w *Writer) Discard() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	if err := os.Remove(w.path + partialSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial payload: %w", err)
	}
	return nil
}

// Info describes a decoded payload.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    int64
}

// Reader yields windows of normalized mono samples from a WAV payload.
type Reader struct {
	file *os.File
	dec  *wav.Decoder
	buf  *goaudio.IntBuffer
	info Info
	seq  uint64
}

// Open validates a WAV payload and prepares it for windowed reads.
func Open(path string, windowSamples int) (*Reader, error) {
	if windowSamples <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSamples)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("invalid wav file: %s", path)
	}
	if dec.NumChans != 1 {
		file.Close()
		return nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", dec.NumChans)
	}
	if dec.BitDepth != bitDepth {
		file.Close()
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek pcm: %w", err)
	}
	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Samples:    dec.PCMLen() / 2,
	}
	return &Reader{
		file: file,
		dec:  dec,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: 1, SampleRate: info.SampleRate},
			Data:   make([]int, windowSamples),
		},
		info: info,
	}, nil
}

func (r *Reader) Info() Info { return r.info }

// Next returns the next window, or io.EOF once the payload is exhausted. The
// final window may be shorter than the configured size.
func (r *Reader) Next() (Window, error) {
	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Window{}, fmt.Errorf("read pcm: %w", err)
	}
	if n == 0 {
		return Window{}, io.EOF
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = float32(r.buf.Data[i]) / 32768
	}
	w := Window{Seq: r.seq, SampleRate: r.info.SampleRate, Samples: samples}
	r.seq++
	return w, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}
