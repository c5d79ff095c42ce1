// Package config loads tool and server settings from replay.yaml with
// TW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "TW_"

type Config struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	Writer  Writer  `yaml:"writer" envPrefix:"WRITER_"`
	Verify  Verify  `yaml:"verify" envPrefix:"VERIFY_"`
	Index   Index   `yaml:"index" envPrefix:"INDEX_"`
	Archive Archive `yaml:"archive" envPrefix:"ARCHIVE_"`
	Mirror  Mirror  `yaml:"mirror" envPrefix:"MIRROR_"`
	Server  Server  `yaml:"server" envPrefix:"SERVER_"`
}

// Writer holds defaults for files produced by create, assemble and re-encode.
type Writer struct {
	CompressMap    bool `yaml:"compress_map" env:"COMPRESS_MAP"`
	CompressFrames bool `yaml:"compress_frames" env:"COMPRESS_FRAMES"`
	Optimize       bool `yaml:"optimize" env:"OPTIMIZE"`
}

type Verify struct {
	Parallel int `yaml:"parallel" env:"PARALLEL"`
}

type Index struct {
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	RemoteEndpoint string        `yaml:"remote_endpoint" env:"REMOTE_ENDPOINT"`
	RemoteToken    string        `yaml:"remote_token" env:"REMOTE_TOKEN"`
	RemoteSource   string        `yaml:"remote_source" env:"REMOTE_SOURCE"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout" env:"REMOTE_TIMEOUT"`
}

type Archive struct {
	Dir string `yaml:"dir" env:"DIR"`
}

type Mirror struct {
	Endpoint     string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"BUCKET"`
	Region       string `yaml:"region" env:"REGION"`
	AccessKey    string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"SECRET_KEY"`
	Prefix       string `yaml:"prefix" env:"PREFIX"`
	Workers      int    `yaml:"workers" env:"WORKERS"`
	SkipExisting bool   `yaml:"skip_existing" env:"SKIP_EXISTING"`
}

// Enabled reports whether enough is configured to upload.
func (m Mirror) Enabled() bool {
	return m.Endpoint != "" && m.Bucket != ""
}

type Server struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	ReplayDir string `yaml:"replay_dir" env:"REPLAY_DIR"`
	// SessionLogDir receives rotated session journals; empty disables them.
	SessionLogDir string        `yaml:"session_log_dir" env:"SESSION_LOG_DIR"`
	TickInterval  time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	MaxClients    int           `yaml:"max_clients" env:"MAX_CLIENTS"`
	SendQueue     int           `yaml:"send_queue" env:"SEND_QUEUE"`
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		Writer: Writer{
			CompressMap:    true,
			CompressFrames: true,
		},
		Verify: Verify{Parallel: 4},
		Index: Index{
			SQLitePath:    "./data/index/replays.sqlite",
			RemoteTimeout: 10 * time.Second,
		},
		Mirror: Mirror{Region: "auto", Workers: 2},
		Server: Server{
			Addr:         ":8080",
			ReplayDir:    "./data/replays",
			TickInterval: 100 * time.Millisecond,
			MaxClients:   256,
			SendQueue:    64,
		},
	}
}

// Load reads path on top of Defaults and applies environment overrides
// from environ (os.Environ when nil). An empty path skips the file.
func Load(path string, environ map[string]string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Verify.Parallel < 1 {
		errs = append(errs, fmt.Errorf("verify.parallel must be >= 1, got %d", c.Verify.Parallel))
	}
	if c.Server.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.tick_interval must be > 0"))
	}
	if c.Server.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("server.max_clients must be >= 1"))
	}
	if c.Server.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("server.send_queue must be >= 1"))
	}
	if c.Mirror.Endpoint != "" && (c.Mirror.AccessKey == "" || c.Mirror.SecretKey == "") {
		errs = append(errs, fmt.Errorf("mirror credentials are required when mirror.endpoint is set"))
	}
	if (c.Index.RemoteEndpoint == "") != (c.Index.RemoteSource == "") {
		errs = append(errs, fmt.Errorf("index.remote_endpoint and index.remote_source go together"))
	}
	return errors.Join(errs...)
}
