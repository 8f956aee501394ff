package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Recording.SilenceTimeout() != 5*time.Second {
		t.Fatalf("expected 5s silence timeout, got %s", cfg.Recording.SilenceTimeout())
	}
	if cfg.Upload.ChunkSize != 1024*1024 {
		t.Fatalf("expected 1 MiB chunks, got %d", cfg.Upload.ChunkSize)
	}
	if cfg.Upload.MaxRetries != 3 || cfg.Upload.BaseDelay() != 2*time.Second {
		t.Fatalf("unexpected retry defaults: %d %s", cfg.Upload.MaxRetries, cfg.Upload.BaseDelay())
	}
	if cfg.Audio.WindowSamples() != 320 {
		t.Fatalf("expected 320 samples per 20ms window, got %d", cfg.Audio.WindowSamples())
	}
	th, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	if th.MinSNRDB != 20 || th.MaxClippingPct != 1 || th.MinVADRatio != 80 {
		t.Fatalf("unexpected default profile: %+v", th)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COWCOW_BUS_ENABLED", "true")
	t.Setenv("COWCOW_BUS_EMBEDDED", "false")
	t.Setenv("COWCOW_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("COWCOW_STORE_PATH", "./tmp.db")
	t.Setenv("COWCOW_STORE_EVENT_RETENTION_DAYS", "7")
	t.Setenv("COWCOW_RECORDING_SILENCE_TIMEOUT_MS", "3000")
	t.Setenv("COWCOW_QUALITY_PROFILE", "low_resource")
	t.Setenv("COWCOW_UPLOAD_MAX_RETRIES", "5")
	t.Setenv("COWCOW_AUDIO_NOISE_FLOOR_ALPHA", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.EventRetentionDays != 7 {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Recording.SilenceTimeout() != 3*time.Second {
		t.Fatalf("expected silence timeout override")
	}
	if cfg.Quality.Profile != "low_resource" {
		t.Fatalf("expected quality profile override")
	}
	if cfg.Upload.MaxRetries != 5 {
		t.Fatalf("expected max retries override")
	}
	if cfg.Audio.NoiseFloorAlpha != 0.2 {
		t.Fatalf("expected noise floor alpha override")
	}
}

func TestLoadYAMLProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowcow.yaml")
	data := []byte(`
quality:
  profile: studio
  profiles:
    studio:
      min_snr_db: 35
      max_clipping_pct: 0
      min_vad_ratio: 95
      min_duration_seconds: 1
      max_duration_seconds: 30
upload:
  collector: http
  endpoint: https://collector.example.org
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	th, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	if th.MinSNRDB != 35 || th.MinVADRatio != 95 {
		t.Fatalf("unexpected studio profile: %+v", th)
	}
	if _, err := cfg.Quality.Lookup("default"); err != nil {
		t.Fatalf("expected built-in profiles to survive yaml merge: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown profile", func(c *Config) { c.Quality.Profile = "nope" }},
		{"zero silence timeout", func(c *Config) { c.Recording.SilenceTimeoutMS = 0 }},
		{"window too long", func(c *Config) { c.Audio.WindowMS = 100 }},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 12345 }},
		{"negative retries", func(c *Config) { c.Upload.MaxRetries = -1 }},
		{"bad endpoint", func(c *Config) { c.Upload.Endpoint = "ftp://x" }},
		{"s3 small chunks", func(c *Config) {
			c.Upload.Collector = "s3"
			c.Upload.S3.Bucket = "takes"
		}},
		{"unknown detector", func(c *Config) { c.VAD.Detector = "silero" }},
		{"zero lease ttl", func(c *Config) { c.Store.LeaseTTLMS = 0 }},
		{"lease shorter than a retry", func(c *Config) {
			c.Store.LeaseTTLMS = 40000
			c.Upload.MaxRetries = 4
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
