package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	DeviceID    string          `yaml:"device_id"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	Recording   RecordingConfig `yaml:"recording"`
	Quality     QualityConfig   `yaml:"quality"`
	Upload      UploadConfig    `yaml:"upload"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path               string `yaml:"path"`
	EventRetentionDays int    `yaml:"event_retention_days"`
	VacuumOnStart      bool   `yaml:"vacuum_on_start"`
	RetryDelayMS       int    `yaml:"retry_delay_ms"`
	LeaseTTLMS         int    `yaml:"lease_ttl_ms"`
}

type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	BitDepth        int     `yaml:"bit_depth"`
	WindowMS        int     `yaml:"window_ms"`
	ClipThreshold   float64 `yaml:"clip_threshold"`
	NoiseFloorAlpha float64 `yaml:"noise_floor_alpha"`
}

type VADConfig struct {
	RMSThreshold     float64 `yaml:"rms_threshold"`
	Detector         string  `yaml:"detector"` // energy, none
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SpeechFrames     int     `yaml:"speech_frames"`
	SilenceFrames    int     `yaml:"silence_frames"`
}

type RecordingConfig struct {
	Dir              string `yaml:"dir"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	CountdownMS      int    `yaml:"countdown_ms"`
	CaptureCommand   string `yaml:"capture_command"`
	SourceBuffer     int    `yaml:"source_buffer"`
	FinalizeQueue    int    `yaml:"finalize_queue"`
	AutoUpload       bool   `yaml:"auto_upload"`
}

type Thresholds struct {
	MinSNRDB       float64 `yaml:"min_snr_db"`
	MaxClippingPct float64 `yaml:"max_clipping_pct"`
	MinVADRatio    float64 `yaml:"min_vad_ratio"`
	MinDuration    float64 `yaml:"min_duration_seconds"`
	MaxDuration    float64 `yaml:"max_duration_seconds"`
}

type QualityConfig struct {
	Profile  string                `yaml:"profile"`
	Profiles map[string]Thresholds `yaml:"profiles"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type UploadConfig struct {
	Collector      string   `yaml:"collector"` // http, s3
	Endpoint       string   `yaml:"endpoint"`
	ChunkSize      int      `yaml:"chunk_size"`
	MaxRetries     int      `yaml:"max_retries"`
	BaseDelayMS    int      `yaml:"base_delay_ms"`
	ChunkTimeoutMS int      `yaml:"chunk_timeout_ms"`
	Workers        int      `yaml:"workers"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	APIKey         string   `yaml:"api_key"`
	S3             S3Config `yaml:"s3"`
}

// minS3PartSize is the smallest non-final part S3 accepts in a multipart upload.
const minS3PartSize = 5 * 1024 * 1024

func Default() Config {
	return Config{
		RuntimeName: "cowcow-recorder",
		Environment: "development",
		DeviceID:    "cowcow-device-1",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:               "./data/cowcow.db",
			EventRetentionDays: 30,
			RetryDelayMS:       60000,
			LeaseTTLMS:         120000,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			BitDepth:        16,
			WindowMS:        20,
			ClipThreshold:   0.999,
			NoiseFloorAlpha: 0.05,
		},
		VAD: VADConfig{
			RMSThreshold:     0.005,
			Detector:         "energy",
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     3,
			SilenceFrames:    30,
		},
		Recording: RecordingConfig{
			Dir:              "./data/recordings",
			SilenceTimeoutMS: 5000,
			CountdownMS:      0,
			CaptureCommand:   "arecord -q -t raw -f S16_LE -c 1 -r 16000",
			SourceBuffer:     32,
			FinalizeQueue:    4,
		},
		Quality: QualityConfig{
			Profile: "default",
			Profiles: map[string]Thresholds{
				"default": {
					MinSNRDB:       20,
					MaxClippingPct: 1,
					MinVADRatio:    80,
					MinDuration:    1,
					MaxDuration:    120,
				},
				"high_quality": {
					MinSNRDB:       30,
					MaxClippingPct: 0.1,
					MinVADRatio:    90,
					MinDuration:    2,
					MaxDuration:    60,
				},
				"low_resource": {
					MinSNRDB:       10,
					MaxClippingPct: 5,
					MinVADRatio:    50,
					MinDuration:    0.5,
					MaxDuration:    300,
				},
			},
		},
		Upload: UploadConfig{
			Collector:      "http",
			Endpoint:       "http://localhost:8000",
			ChunkSize:      1024 * 1024,
			MaxRetries:     3,
			BaseDelayMS:    2000,
			ChunkTimeoutMS: 30000,
			Workers:        1,
			PollIntervalMS: 5000,
			S3: S3Config{
				Region: "auto",
				Prefix: "recordings",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Thresholds returns the active quality profile.
func (c Config) Thresholds() (Thresholds, error) {
	return c.Quality.Lookup(c.Quality.Profile)
}

// Lookup returns a named quality profile.
func (q QualityConfig) Lookup(name string) (Thresholds, error) {
	t, ok := q.Profiles[name]
	if !ok {
		return Thresholds{}, fmt.Errorf("unknown quality profile %q", name)
	}
	return t, nil
}

// longestLeaseGap is the longest an uploader can go without renewing its
// lease: one chunk timeout plus the last backoff sleep.
func longestLeaseGap(u UploadConfig) time.Duration {
	delay := time.Duration(0)
	if u.MaxRetries > 0 {
		delay = u.BaseDelay()
		for i := 1; i < u.MaxRetries && delay < 24*time.Hour; i++ {
			delay *= 2
		}
	}
	return u.ChunkTimeout() + delay
}

// RetryDelay is how long a task that exhausted its retries waits before it
// is handed out again.
func (s StoreConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// LeaseTTL is how long an uploading task stays with its uploader without a
// renewal. Unset means two minutes.
func (s StoreConfig) LeaseTTL() time.Duration {
	if s.LeaseTTLMS <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.LeaseTTLMS) * time.Millisecond
}

func (a AudioConfig) WindowDuration() time.Duration {
	return time.Duration(a.WindowMS) * time.Millisecond
}

// WindowSamples is the number of samples in one analysis window.
func (a AudioConfig) WindowSamples() int {
	return a.SampleRate * a.WindowMS / 1000
}

func (r RecordingConfig) SilenceTimeout() time.Duration {
	return time.Duration(r.SilenceTimeoutMS) * time.Millisecond
}

func (r RecordingConfig) Countdown() time.Duration {
	return time.Duration(r.CountdownMS) * time.Millisecond
}

func (u UploadConfig) BaseDelay() time.Duration {
	return time.Duration(u.BaseDelayMS) * time.Millisecond
}

func (u UploadConfig) ChunkTimeout() time.Duration {
	return time.Duration(u.ChunkTimeoutMS) * time.Millisecond
}

func (u UploadConfig) PollInterval() time.Duration {
	return time.Duration(u.PollIntervalMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COWCOW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COWCOW_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.DeviceID, "COWCOW_DEVICE_ID")
	overrideString(&cfg.HTTP.Bind, "COWCOW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COWCOW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COWCOW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COWCOW_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COWCOW_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COWCOW_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "COWCOW_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "COWCOW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COWCOW_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "COWCOW_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "COWCOW_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COWCOW_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COWCOW_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COWCOW_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COWCOW_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COWCOW_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "COWCOW_STORE_PATH")
	overrideInt(&cfg.Store.EventRetentionDays, "COWCOW_STORE_EVENT_RETENTION_DAYS")
	overrideBool(&cfg.Store.VacuumOnStart, "COWCOW_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Store.RetryDelayMS, "COWCOW_STORE_RETRY_DELAY_MS")
	overrideInt(&cfg.Store.LeaseTTLMS, "COWCOW_STORE_LEASE_TTL_MS")
	overrideInt(&cfg.Audio.SampleRate, "COWCOW_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.WindowMS, "COWCOW_AUDIO_WINDOW_MS")
	overrideFloat(&cfg.Audio.ClipThreshold, "COWCOW_AUDIO_CLIP_THRESHOLD")
	overrideFloat(&cfg.Audio.NoiseFloorAlpha, "COWCOW_AUDIO_NOISE_FLOOR_ALPHA")
	overrideFloat(&cfg.VAD.RMSThreshold, "COWCOW_VAD_RMS_THRESHOLD")
	overrideString(&cfg.VAD.Detector, "COWCOW_VAD_DETECTOR")
	overrideString(&cfg.Recording.Dir, "COWCOW_RECORDING_DIR")
	overrideInt(&cfg.Recording.SilenceTimeoutMS, "COWCOW_RECORDING_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Recording.CountdownMS, "COWCOW_RECORDING_COUNTDOWN_MS")
	overrideString(&cfg.Recording.CaptureCommand, "COWCOW_RECORDING_CAPTURE_COMMAND")
	overrideBool(&cfg.Recording.AutoUpload, "COWCOW_RECORDING_AUTO_UPLOAD")
	overrideString(&cfg.Quality.Profile, "COWCOW_QUALITY_PROFILE")
	overrideString(&cfg.Upload.Collector, "COWCOW_UPLOAD_COLLECTOR")
	overrideString(&cfg.Upload.Endpoint, "COWCOW_UPLOAD_ENDPOINT")
	overrideInt(&cfg.Upload.ChunkSize, "COWCOW_UPLOAD_CHUNK_SIZE")
	overrideInt(&cfg.Upload.MaxRetries, "COWCOW_UPLOAD_MAX_RETRIES")
	overrideInt(&cfg.Upload.BaseDelayMS, "COWCOW_UPLOAD_BASE_DELAY_MS")
	overrideInt(&cfg.Upload.ChunkTimeoutMS, "COWCOW_UPLOAD_CHUNK_TIMEOUT_MS")
	overrideInt(&cfg.Upload.Workers, "COWCOW_UPLOAD_WORKERS")
	overrideInt(&cfg.Upload.PollIntervalMS, "COWCOW_UPLOAD_POLL_INTERVAL_MS")
	overrideString(&cfg.Upload.APIKey, "COWCOW_UPLOAD_API_KEY")
	overrideString(&cfg.Upload.S3.Endpoint, "COWCOW_UPLOAD_S3_ENDPOINT")
	overrideString(&cfg.Upload.S3.Region, "COWCOW_UPLOAD_S3_REGION")
	overrideString(&cfg.Upload.S3.Bucket, "COWCOW_UPLOAD_S3_BUCKET")
	overrideString(&cfg.Upload.S3.Prefix, "COWCOW_UPLOAD_S3_PREFIX")
	overrideString(&cfg.Upload.S3.AccessKeyID, "COWCOW_UPLOAD_S3_ACCESS_KEY_ID")
	overrideString(&cfg.Upload.S3.SecretAccessKey, "COWCOW_UPLOAD_S3_SECRET_ACCESS_KEY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.DeviceID == "" {
		return errors.New("device_id must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.EventRetentionDays < 0 {
		return errors.New("store.event_retention_days must be >= 0")
	}
	if cfg.Store.RetryDelayMS < 0 {
		return errors.New("store.retry_delay_ms must be >= 0")
	}
	switch cfg.Audio.SampleRate {
	case 8000, 16000, 32000, 44100, 48000:
	default:
		return fmt.Errorf("audio.sample_rate %d is not supported", cfg.Audio.SampleRate)
	}
	if cfg.Audio.BitDepth != 16 {
		return errors.New("audio.bit_depth must be 16")
	}
	if cfg.Audio.WindowMS < 10 || cfg.Audio.WindowMS > 30 {
		return errors.New("audio.window_ms must be between 10 and 30")
	}
	if cfg.Audio.ClipThreshold <= 0 || cfg.Audio.ClipThreshold > 1 {
		return errors.New("audio.clip_threshold must be in (0, 1]")
	}
	if cfg.Audio.NoiseFloorAlpha <= 0 || cfg.Audio.NoiseFloorAlpha > 1 {
		return errors.New("audio.noise_floor_alpha must be in (0, 1]")
	}
	if cfg.VAD.RMSThreshold < 0 {
		return errors.New("vad.rms_threshold must be >= 0")
	}
	switch cfg.VAD.Detector {
	case "energy", "none":
	default:
		return errors.New("vad.detector must be one of energy|none")
	}
	if cfg.Recording.Dir == "" {
		return errors.New("recording.dir must not be empty")
	}
	if cfg.Recording.SilenceTimeoutMS <= 0 {
		return errors.New("recording.silence_timeout_ms must be positive")
	}
	if cfg.Recording.CountdownMS < 0 {
		return errors.New("recording.countdown_ms must be >= 0")
	}
	if cfg.Recording.SourceBuffer <= 0 {
		return errors.New("recording.source_buffer must be >= 1")
	}
	if cfg.Recording.FinalizeQueue <= 0 {
		return errors.New("recording.finalize_queue must be >= 1")
	}
	if _, err := cfg.Thresholds(); err != nil {
		return fmt.Errorf("quality.profile: %w", err)
	}
	for name, t := range cfg.Quality.Profiles {
		if t.MaxClippingPct < 0 || t.MaxClippingPct > 100 {
			return fmt.Errorf("quality.profiles.%s.max_clipping_pct must be between 0 and 100", name)
		}
		if t.MinVADRatio < 0 || t.MinVADRatio > 100 {
			return fmt.Errorf("quality.profiles.%s.min_vad_ratio must be between 0 and 100", name)
		}
		if t.MaxDuration > 0 && t.MinDuration > t.MaxDuration {
			return fmt.Errorf("quality.profiles.%s duration bounds are inverted", name)
		}
	}
	if cfg.Upload.ChunkSize <= 0 {
		return errors.New("upload.chunk_size must be positive")
	}
	if cfg.Upload.MaxRetries < 0 {
		return errors.New("upload.max_retries must be >= 0")
	}
	if cfg.Upload.BaseDelayMS < 0 {
		return errors.New("upload.base_delay_ms must be >= 0")
	}
	if cfg.Upload.ChunkTimeoutMS <= 0 {
		return errors.New("upload.chunk_timeout_ms must be positive")
	}
	if cfg.Upload.Workers <= 0 {
		return errors.New("upload.workers must be >= 1")
	}
	if cfg.Upload.PollIntervalMS <= 0 {
		return errors.New("upload.poll_interval_ms must be positive")
	}
	if cfg.Store.LeaseTTLMS <= 0 {
		return errors.New("store.lease_ttl_ms must be positive")
	}
	if gap := longestLeaseGap(cfg.Upload); cfg.Store.LeaseTTL() <= gap {
		return fmt.Errorf("store.lease_ttl_ms must exceed %s (chunk timeout plus the longest retry delay)", gap)
	}
	switch cfg.Upload.Collector {
	case "http":
		if !strings.HasPrefix(cfg.Upload.Endpoint, "http://") && !strings.HasPrefix(cfg.Upload.Endpoint, "https://") {
			return errors.New("upload.endpoint must start with http:// or https://")
		}
	case "s3":
		if cfg.Upload.S3.Bucket == "" {
			return errors.New("upload.s3.bucket must be set when collector=s3")
		}
		if cfg.Upload.ChunkSize < minS3PartSize {
			return errors.New("upload.chunk_size must be at least 5 MiB when collector=s3")
		}
	default:
		return errors.New("upload.collector must be one of http|s3")
	}
	return nil
}
