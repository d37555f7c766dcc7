package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Keys are hierarchical with ":" as the separator ("YouTube:Polling:BaseIntervalSeconds").
// Environment variables use "__" for nesting (YouTube__Polling__BaseIntervalSeconds).
// Precedence, lowest to highest: defaults, config file, environment, command line.

// Mode values accepted for Config.Mode.
const (
	ModeServe   = "serve"
	ModeStream  = "stream"
	ModeRead    = "read"
	ModeTestSrc = "testsrc"
	ModePoll    = "poll"
)

// Config is the full runtime configuration.
type Config struct {
	Mode      string
	HTTP      HTTP
	Log       Log
	Stream    Stream
	YouTube   YouTube
	Timelapse Timelapse
	Encoder   Encoder
}

// HTTP configures the local HTTP surface.
type HTTP struct {
	Port string
}

// Log configures the structured logger.
type Log struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// Stream configures the upstream MJPEG source.
type Stream struct {
	Source        string // URL of the camera's MJPEG endpoint
	MaxFrameBytes int    // frames larger than this are discarded by the extractor
}

// YouTube configures the broadcast control plane.
type YouTube struct {
	ClientID     string
	ClientSecret string
	TokenDir     string

	Title         string
	Description   string
	PrivacyStatus string // public, unlisted, private
	CategoryID    string

	StartInServe bool

	ReuseStorePath   string
	ReuseWindowHours int

	IngestionWaitSeconds      int
	TransitionDeadlineSeconds int
	TransitionAttempts        int

	Polling Polling
}

// Polling configures the rate-limited polling manager.
type Polling struct {
	Enabled              bool
	BaseIntervalSeconds  float64
	MinIntervalSeconds   float64
	MaxIntervalSeconds   float64
	IdleThresholdMinutes float64
	BackoffMultiplier    float64
	MaxJitterSeconds     float64
	RequestsPerMinute    int
	CacheDurationSeconds float64
}

// Timelapse configures frame capture sessions.
type Timelapse struct {
	Dir                    string
	CaptureIntervalSeconds float64
	FPS                    int
}

// Encoder configures the external video encoder process.
type Encoder struct {
	Binary           string
	Preset           string
	StopGraceSeconds int
	StderrTail       int
}

// Default returns the configuration used when nothing else overrides it.
func Default() *Config {
	return &Config{
		Mode: ModeServe,
		HTTP: HTTP{Port: "8080"},
		Log:  Log{Level: "info", Format: "json"},
		Stream: Stream{
			MaxFrameBytes: 8 << 20,
		},
		YouTube: YouTube{
			TokenDir:                  "tokens",
			Title:                     "3D printer live",
			PrivacyStatus:             "unlisted",
			CategoryID:                "28",
			ReuseStorePath:            "youtube_reuse_store.json",
			ReuseWindowHours:          6,
			IngestionWaitSeconds:      300,
			TransitionDeadlineSeconds: 60,
			TransitionAttempts:        3,
			Polling: Polling{
				Enabled:              true,
				BaseIntervalSeconds:  15,
				MinIntervalSeconds:   5,
				MaxIntervalSeconds:   60,
				IdleThresholdMinutes: 10,
				BackoffMultiplier:    1.5,
				MaxJitterSeconds:     5,
				RequestsPerMinute:    60,
				CacheDurationSeconds: 30,
			},
		},
		Timelapse: Timelapse{
			Dir:                    "timelapse",
			CaptureIntervalSeconds: 10,
			FPS:                    30,
		},
		Encoder: Encoder{
			Binary:           "ffmpeg",
			Preset:           "veryfast",
			StopGraceSeconds: 5,
			StderrTail:       20,
		},
	}
}

// Load builds the configuration from the optional file at path, the process
// environment, and command-line override arguments of the form --Key=Value.
// A .env file in the working directory is read first if present.
func Load(path string, args []string) (*Config, error) {
	_ = godotenv.Load()

	merged := map[string]any{}

	if path != "" {
		fromFile, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		mergeMap(merged, fromFile)
	}

	for _, ov := range envOverrides(os.Environ()) {
		setPath(merged, ov.path, ov.value)
	}
	for _, ov := range argOverrides(args) {
		setPath(merged, ov.path, ov.value)
	}

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(merged); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes enum fields and reports the first invalid option.
func (c *Config) Validate() error {
	c.Mode = strings.ToLower(c.Mode)
	switch c.Mode {
	case ModeServe, ModeStream, ModeRead, ModeTestSrc, ModePoll:
	default:
		return fmt.Errorf("invalid Mode %q (want serve, stream, read, testsrc, or poll)", c.Mode)
	}

	c.YouTube.PrivacyStatus = strings.ToLower(c.YouTube.PrivacyStatus)
	switch c.YouTube.PrivacyStatus {
	case "public", "unlisted", "private":
	default:
		return fmt.Errorf("invalid YouTube:PrivacyStatus %q (want public, unlisted, or private)", c.YouTube.PrivacyStatus)
	}

	if c.Mode == ModeStream || c.Mode == ModeRead {
		if c.Stream.Source == "" {
			return fmt.Errorf("Stream:Source is required in %s mode", c.Mode)
		}
	}
	if c.Mode == ModeStream || c.Mode == ModeTestSrc || c.Mode == ModePoll {
		if !c.YouTube.CredentialsConfigured() {
			return fmt.Errorf("YouTube:ClientID and YouTube:ClientSecret are required in %s mode", c.Mode)
		}
	}

	p := &c.YouTube.Polling
	if p.RequestsPerMinute < 1 {
		return fmt.Errorf("YouTube:Polling:RequestsPerMinute must be at least 1")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("YouTube:Polling:BackoffMultiplier must be at least 1")
	}
	if p.MinIntervalSeconds <= 0 || p.MaxIntervalSeconds < p.MinIntervalSeconds {
		return fmt.Errorf("YouTube:Polling interval clamps are inverted (min %v, max %v)",
			p.MinIntervalSeconds, p.MaxIntervalSeconds)
	}
	if p.BaseIntervalSeconds <= 0 {
		return fmt.Errorf("YouTube:Polling:BaseIntervalSeconds must be positive")
	}
	if c.Stream.MaxFrameBytes <= 0 {
		return fmt.Errorf("Stream:MaxFrameBytes must be positive")
	}
	if c.Timelapse.FPS <= 0 {
		return fmt.Errorf("Timelapse:FPS must be positive")
	}
	return nil
}

// CredentialsConfigured reports whether delegated-authorization credentials are set.
func (y YouTube) CredentialsConfigured() bool {
	return y.ClientID != "" && y.ClientSecret != ""
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	out := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return out, nil
}

type override struct {
	path  []string
	value string
}

// topKeys guards the environment scan so unrelated variables are ignored.
var topKeys = map[string]bool{
	"mode": true, "http": true, "log": true, "stream": true,
	"youtube": true, "timelapse": true, "encoder": true,
}

func envOverrides(environ []string) []override {
	var out []override
	for _, kv := range environ {
		eq := strings.Index(kv, "=")
		if eq <= 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		segs := strings.Split(key, "__")
		if !topKeys[strings.ToLower(segs[0])] {
			continue
		}
		out = append(out, override{path: segs, value: val})
	}
	return out
}

func argOverrides(args []string) []override {
	var out []override
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			continue
		}
		body := strings.TrimPrefix(a, "--")
		eq := strings.Index(body, "=")
		if eq < 0 {
			// --config takes its value as the next argument; skip both.
			if strings.EqualFold(body, "config") {
				i++
			}
			continue
		}
		key, val := body[:eq], body[eq+1:]
		if strings.EqualFold(key, "config") {
			continue
		}
		segs := strings.Split(key, ":")
		if !topKeys[strings.ToLower(segs[0])] {
			continue
		}
		out = append(out, override{path: segs, value: val})
	}
	return out
}

// setPath writes value into the nested map at the given key path, creating
// intermediate maps as needed. Existing sections are matched case-insensitively
// so environment overrides land in the same map as file keys.
func setPath(m map[string]any, path []string, value string) {
	for i, seg := range path {
		if found, key := lookupFold(m, seg); found {
			seg = key
		}
		if i == len(path)-1 {
			m[seg] = value
			return
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
}

func lookupFold(m map[string]any, key string) (bool, string) {
	for k := range m {
		if strings.EqualFold(k, key) {
			return true, k
		}
	}
	return false, ""
}

// mergeMap deep-merges src into dst; src wins on conflicts.
func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok2 := dst[k].(map[string]any); ok2 {
				mergeMap(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}
