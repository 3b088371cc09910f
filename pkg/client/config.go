package client

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/m-lab/httpspeed/internal/adaptive"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for configurations that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Latency transports.
const (
	PingHTTP = "http"
	PingWS   = "ws"
)

// Config is the configuration for a Client. Zero values are replaced with
// the defaults in package spec.
type Config struct {
	// Server is the server to connect to, as host[:port] or as a full URL of
	// the speedtest endpoint. If empty, the server is obtained by querying the
	// configured Locator.
	Server string

	// Scheme is the HTTP scheme used to connect to the server (http or https).
	Scheme string

	// Streams is the number of concurrent transfers in a round.
	Streams int

	// Rounds is the number of measurement rounds.
	Rounds int

	// Retries is the maximum number of attempts in a round.
	Retries int

	// RetryDelay is the pause between failed attempts.
	RetryDelay time.Duration

	// RoundPause is the pause between rounds.
	RoundPause time.Duration

	// RoundTimeout is the wall-clock budget of a round, retries included.
	RoundTimeout time.Duration

	// WarmupSize is the size of the warmup transfers.
	WarmupSize int64

	// InitialChunkSize is the size of the probe transfer.
	InitialChunkSize int64

	// Bands is the speed to chunk size table. If empty, adaptive.DefaultBands
	// is used.
	Bands []adaptive.Band

	// PingTransport selects the latency pinger: PingHTTP or PingWS.
	PingTransport string

	// MeasurementID is the manually configured Measurement ID ("mid") to pass
	// to the server. If empty, a random one is generated for every test.
	MeasurementID string

	// Emitter is the interface used to emit progress and results. It can be
	// overridden to provide a custom output.
	Emitter Emitter

	// NoVerify disables the TLS certificate verification.
	NoVerify bool
}

// withDefaults returns a copy of c where zero values are replaced with
// defaults.
func (c Config) withDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.Streams == 0 {
		c.Streams = spec.DefaultStreams
	}
	if c.Rounds == 0 {
		c.Rounds = spec.DefaultRounds
	}
	if c.Retries == 0 {
		c.Retries = spec.DefaultRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = spec.DefaultRetryDelay
	}
	if c.RoundPause == 0 {
		c.RoundPause = spec.DefaultRoundPause
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = spec.DefaultRoundTimeout
	}
	if c.WarmupSize == 0 {
		c.WarmupSize = spec.WarmupSize
	}
	if c.InitialChunkSize == 0 {
		c.InitialChunkSize = spec.InitialChunkSize
	}
	if c.PingTransport == "" {
		c.PingTransport = PingHTTP
	}
	if c.Emitter == nil {
		c.Emitter = &HumanReadable{}
	}
	return c
}

// Validate checks c after defaults have been applied.
func (c Config) Validate() error {
	switch {
	case c.Scheme != "http" && c.Scheme != "https":
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, c.Scheme)
	case c.Streams < 1 || c.Streams > spec.MaxStreams:
		return fmt.Errorf("%w: streams must be between 1 and %d", ErrInvalidConfig, spec.MaxStreams)
	case c.Rounds < 1:
		return fmt.Errorf("%w: rounds must be positive", ErrInvalidConfig)
	case c.Retries < 1:
		return fmt.Errorf("%w: retries must be positive", ErrInvalidConfig)
	case c.RetryDelay < 0 || c.RoundPause < 0 || c.RoundTimeout <= 0:
		return fmt.Errorf("%w: negative delay or non-positive round timeout", ErrInvalidConfig)
	case c.WarmupSize <= 0 || c.InitialChunkSize <= 0:
		return fmt.Errorf("%w: transfer sizes must be positive", ErrInvalidConfig)
	case c.PingTransport != PingHTTP && c.PingTransport != PingWS:
		return fmt.Errorf("%w: unknown ping transport %q", ErrInvalidConfig, c.PingTransport)
	}
	if len(c.Bands) > 0 {
		if err := adaptive.Validate(c.Bands); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Duration is a time.Duration that can be unmarshalled from YAML strings
// such as "1s" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Size is a byte count that can be unmarshalled from YAML integers or from
// strings such as "512KiB", "1MiB" or "8MB".
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"KiB", spec.KiB},
	{"MiB", spec.MiB},
	{"GiB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseSize parses a byte count with an optional binary or decimal unit.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// band is the YAML form of adaptive.Band. A zero or missing up_to_mbps on
// the last band means unbounded.
type band struct {
	UpToMbps  float64 `yaml:"up_to_mbps"`
	ChunkSize Size    `yaml:"chunk_size"`
}

// fileConfig is the YAML form of the engine tuning parameters.
type fileConfig struct {
	Streams          int      `yaml:"streams"`
	Rounds           int      `yaml:"rounds"`
	Retries          int      `yaml:"retries"`
	RetryDelay       Duration `yaml:"retry_delay"`
	RoundPause       Duration `yaml:"round_pause"`
	RoundTimeout     Duration `yaml:"round_timeout"`
	WarmupSize       Size     `yaml:"warmup_size"`
	InitialChunkSize Size     `yaml:"initial_chunk_size"`
	PingTransport    string   `yaml:"ping"`
	Bands            []band   `yaml:"bands"`
}

// LoadConfig reads the engine tuning parameters from the YAML file at path
// and applies them on top of base. Fields missing from the file keep the
// value they have in base.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	return ParseConfig(data, base)
}

// ParseConfig is like LoadConfig but reads the YAML document from data.
func ParseConfig(data []byte, base Config) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := base
	if fc.Streams != 0 {
		cfg.Streams = fc.Streams
	}
	if fc.Rounds != 0 {
		cfg.Rounds = fc.Rounds
	}
	if fc.Retries != 0 {
		cfg.Retries = fc.Retries
	}
	if fc.RetryDelay != 0 {
		cfg.RetryDelay = time.Duration(fc.RetryDelay)
	}
	if fc.RoundPause != 0 {
		cfg.RoundPause = time.Duration(fc.RoundPause)
	}
	if fc.RoundTimeout != 0 {
		cfg.RoundTimeout = time.Duration(fc.RoundTimeout)
	}
	if fc.WarmupSize != 0 {
		cfg.WarmupSize = int64(fc.WarmupSize)
	}
	if fc.InitialChunkSize != 0 {
		cfg.InitialChunkSize = int64(fc.InitialChunkSize)
	}
	if fc.PingTransport != "" {
		cfg.PingTransport = fc.PingTransport
	}
	if len(fc.Bands) > 0 {
		cfg.Bands = make([]adaptive.Band, len(fc.Bands))
		for i, b := range fc.Bands {
			cfg.Bands[i] = adaptive.Band{UpToMbps: b.UpToMbps, ChunkSize: int64(b.ChunkSize)}
		}
		last := &cfg.Bands[len(cfg.Bands)-1]
		if last.UpToMbps == 0 {
			last.UpToMbps = math.Inf(1)
		}
	}
	if err := cfg.withDefaults().Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
