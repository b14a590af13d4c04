// Package config defines the engine's immutable configuration value and how
// it is built from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// RangeStreamConfig tunes the [C1] RangeStream HTTP client.
type RangeStreamConfig struct {
	// ChunkSize is the byte range requested per GET. Default 65000, per the
	// engine's fixed chunking policy.
	ChunkSize int
	// RequestTimeout bounds a single ranged GET. Default 10s.
	RequestTimeout time.Duration
	// DrainSeekMaxBytes is the largest forward seek (in bytes) serviced by
	// draining the current response body rather than issuing a fresh
	// ranged GET. Seeks of 1-999 bytes drain; anything else re-requests.
	DrainSeekMaxBytes int64
}

// Config is the engine's single immutable configuration value. Build one
// with Load or Default; never mutate a Config in place — build a new one
// and swap it (see AtomicConfig).
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string
	// PathPrefix is the path segment preceding the token id, e.g. "/files".
	// The served route is GET {PathPrefix}/{token_id}.
	PathPrefix string

	// RedisAddr is host:port for the single-use token store.
	RedisAddr string
	RedisDB   int

	RangeStream RangeStreamConfig

	// StepTimeout, MaxRetries and RetryDelay are loaded with defaults but
	// no package reads them: steps run without a per-step timeout and are
	// not retried.
	StepTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration

	// BridgeQueueSize is the bounded queue size used by the sync/async
	// bridge between a streaming step's worker goroutine and its consumer.
	// Default 1, per the engine's framing contract.
	BridgeQueueSize int

	// EnvelopeLeeway is the clock-skew tolerance applied to exp/iat
	// validation when opening a JobEnvelope.
	EnvelopeLeeway time.Duration

	// MaxImageBytes bounds how much of a preview-image step's source is
	// drained into memory before decoding. Zero means unbounded.
	MaxImageBytes int64
	// DrainChunkSize is the read chunk size used when draining a step's
	// source into memory.
	DrainChunkSize int

	LogLevel string
}

// Default returns a Config populated with the engine's documented defaults.
// Key material is not part of Config; Load builds and returns a KeyProvider
// alongside it.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		PathPrefix: "/files",
		RedisAddr:  "localhost:6379",
		RedisDB:    0,
		RangeStream: RangeStreamConfig{
			ChunkSize:         65000,
			RequestTimeout:    10 * time.Second,
			DrainSeekMaxBytes: 999,
		},
		StepTimeout:     60 * time.Second,
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		BridgeQueueSize: 1,
		EnvelopeLeeway:  5 * time.Second,
		MaxImageBytes:   64 * 1024 * 1024,
		DrainChunkSize:  32 * 1024,
		LogLevel:        "info",
	}
}

// Load builds a Config from environment variables, starting from Default
// and overriding what's set. It also builds a KeyProvider: HSM_ENDPOINT, if
// set, selects an HSMKeyProvider; otherwise JWE_PRIVATE_KEY_PATH,
// JWS_PUBLIC_KEYS_DIR and CRYPT4GH_PRIVATE_KEY_PATH select an inline one.
func Load() (Config, KeyProvider, error) {
	cfg := Default()

	if v := os.Getenv("REDIS_HOST"); v != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.RedisAddr = v + ":" + port
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, nil, errors.New("config: REDIS_DB must be an integer")
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PATH_PREFIX"); v != "" {
		cfg.PathPrefix = v
	}
	if v := os.Getenv("MAX_IMAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, nil, errors.New("config: MAX_IMAGE_BYTES must be an integer")
		}
		cfg.MaxImageBytes = n
	}

	var (
		kp  KeyProvider
		err error
	)
	if endpoint := os.Getenv("HSM_ENDPOINT"); endpoint != "" {
		interval := 5 * time.Minute
		if v := os.Getenv("HSM_REFRESH_INTERVAL"); v != "" {
			if d, derr := time.ParseDuration(v); derr == nil {
				interval = d
			}
		}
		kp = NewHSMKeyProvider(endpoint, interval)
	} else {
		kp, err = loadInlineKeyProviderFromEnv()
		if err != nil {
			return Config{}, nil, err
		}
	}

	return cfg, kp, nil
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.RangeStream.ChunkSize <= 0 {
		return errors.New("config: RangeStream.ChunkSize must be positive")
	}
	if c.RangeStream.RequestTimeout <= 0 {
		return errors.New("config: RangeStream.RequestTimeout must be positive")
	}
	if c.BridgeQueueSize <= 0 {
		return errors.New("config: BridgeQueueSize must be positive")
	}
	if c.PathPrefix == "" || c.PathPrefix[0] != '/' {
		return errors.New("config: PathPrefix must start with '/'")
	}
	return nil
}
