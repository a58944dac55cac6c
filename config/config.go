// Package config loads the TOML files of both tunnel halves.
//
// A missing file is created with the default values, so a first start leaves
// an editable config.toml behind.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/ev3c/ev3tunnel/relay"
	"github.com/ev3c/ev3tunnel/remote"
)

// DefaultPath is the file read when no path is given.
const DefaultPath = "./config.toml"

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v

	return nil
}

// Common holds the settings shared by both halves: where the coordinator is and
// how the relay behaves.
type Common struct {
	Remote             string            `toml:"remote"`
	Port               int               `toml:"port"`
	Path               string            `toml:"path"`
	Scheme             string            `toml:"scheme"`
	InsecureSkipVerify bool              `toml:"insecure_skip_verify"`
	FaultPolicy        relay.FaultPolicy `toml:"fault_policy"`
	ReplyTimeout       Duration          `toml:"reply_timeout"`
	RetryInterval      Duration          `toml:"retry_interval"`
	LogLevel           string            `toml:"log_level"`
	MetricsAddr        string            `toml:"metrics_addr"`
}

// URL returns the coordinator endpoint, e.g. "wss://localhost:9000/ev3c".
func (r *Common) URL() string {
	return remote.URL(r.Scheme, r.Remote, r.Port, r.Path)
}

// Level returns the parsed log level.
func (r *Common) Level() logger.Level {
	level, _ := logger.ParseLevel(r.LogLevel)
	return level
}

func defaultCommon(port int) Common {
	return Common{
		Remote:        "localhost",
		Port:          port,
		Path:          "ev3c",
		Scheme:        "wss",
		FaultPolicy:   relay.ForwardPolicy,
		RetryInterval: Duration{5 * time.Second},
		LogLevel:      "info",
	}
}

func (r *Common) validate() error {
	var errs []error

	if strings.TrimSpace(r.Remote) == "" {
		errs = append(errs, errors.New("remote is empty"))
	}
	if r.Port <= 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", r.Port))
	}
	if r.Scheme != "ws" && r.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("scheme must be ws or wss: %q", r.Scheme))
	}
	if r.ReplyTimeout.Duration < 0 || r.ReplyTimeout.Duration > relay.MaxReplyTimeout {
		errs = append(errs, fmt.Errorf("reply_timeout out of range [0, %s]: %s", relay.MaxReplyTimeout, r.ReplyTimeout))
	}
	if r.RetryInterval.Duration < 0 {
		errs = append(errs, fmt.Errorf("retry_interval is negative: %s", r.RetryInterval))
	}
	if _, err := logger.ParseLevel(r.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// load decodes path into cfg, writing cfg to path first when the file does not exist.
func load(path string, cfg any) (meta toml.MetaData, created bool, err error) {
	meta, err = toml.DecodeFile(path, cfg)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return meta, false, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := save(path, cfg); err != nil {
			return meta, false, err
		}

		return meta, true, nil
	}

	return meta, false, nil
}

// save encodes cfg and replaces path atomically.
func save(path string, cfg any) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save config %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}

	return nil
}
