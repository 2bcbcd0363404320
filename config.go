package rpcconn

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// PipelineMode selects a TxPipeline/RxPipeline concurrency variant.
type PipelineMode string

const (
	PipelineNoQueue  PipelineMode = "NoQueue"
	PipelineOneThread PipelineMode = "OneThread"
)

// Config holds every connection-core tunable. Zero-value fields are
// filled in by DefaultConfig; LoadConfig reads a TOML file over the
// defaults, following a load-then-validate pattern: read file, decode,
// apply defaults, validate.
type Config struct {
	SegmentSize          int           `toml:"segment_size"`
	TxGracePeriod         time.Duration `toml:"tx_grace_period"`
	LoginTimeout          time.Duration `toml:"login_timeout"`
	LogoutTimeout         time.Duration `toml:"logout_timeout"`
	StreamPageSize        int           `toml:"stream_page_size"`
	StreamWindow          int           `toml:"stream_window"`
	DispatcherMode        DispatchMode  `toml:"-"`
	DispatcherModeName    string        `toml:"dispatcher_mode"`
	PipelineMode          PipelineMode  `toml:"pipeline_mode"`
	PagedQueueDepth       int           `toml:"paged_queue_depth"`
	PreLoginMessageGrace  int           `toml:"pre_login_message_grace"`
	MaxFramePayload       int           `toml:"max_frame_payload"`

	// TLS is nil for plaintext TCP. It is never populated from a TOML
	// file (certificates are loaded by the caller); LoadConfig only ever
	// leaves it nil.
	TLS *tls.Config `toml:"-"`
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		SegmentSize:          DefaultSegmentSize,
		TxGracePeriod:        DefaultTxGracePeriod,
		LoginTimeout:         10 * time.Second,
		LogoutTimeout:        10 * time.Second,
		StreamPageSize:       DefaultStreamPageSize,
		StreamWindow:         DefaultStreamWindow,
		DispatcherMode:       DispatchNoQueue,
		DispatcherModeName:   "NoQueue",
		PipelineMode:         PipelineNoQueue,
		PagedQueueDepth:      64,
		PreLoginMessageGrace: DefaultPreLoginMessageGrace,
		MaxFramePayload:      DefaultMaxFramePayload,
	}
}

// LoadConfig reads a TOML file at path over DefaultConfig's values and
// validates the result. A file that cannot be read (including a missing
// one) is an OtherError; pass an empty path to skip the read and just
// validate the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, NewFault(OtherError, err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, NewFault(OtherError, err)
		}
	}
	if err := cfg.resolveDispatcherMode(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolveDispatcherMode() error {
	switch c.DispatcherModeName {
	case "", "NoQueue":
		c.DispatcherMode = DispatchNoQueue
	case "PagedQueueX1":
		c.DispatcherMode = DispatchPagedQueueX1
	default:
		return NewFaultf(OtherError, "unknown dispatcher_mode %q", c.DispatcherModeName)
	}
	return nil
}

func (c *Config) validate() error {
	if c.SegmentSize <= FixedHeaderSize {
		return NewFaultf(OtherError, "segment_size %d too small", c.SegmentSize)
	}
	if c.StreamPageSize <= 0 {
		return NewFaultf(OtherError, "stream_page_size must be positive")
	}
	if c.StreamWindow <= 0 {
		return NewFaultf(OtherError, "stream_window must be positive")
	}
	switch c.PipelineMode {
	case PipelineNoQueue, PipelineOneThread:
	default:
		return NewFaultf(OtherError, "unknown pipeline_mode %q", c.PipelineMode)
	}
	if c.PreLoginMessageGrace < 0 {
		return NewFaultf(OtherError, "pre_login_message_grace cannot be negative")
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config{segment=%d, pipeline=%s, dispatcher=%s, page=%d, window=%d}",
		c.SegmentSize, c.PipelineMode, c.DispatcherModeName, c.StreamPageSize, c.StreamWindow)
}
