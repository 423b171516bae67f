package updatemanager

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/srika/srika/client/internal/updatemanager/downloader"
	"github.com/srika/srika/client/internal/updatemanager/installer"
	"github.com/srika/srika/client/internal/updatemanager/recovery"
	"github.com/srika/srika/client/internal/updatemanager/releases"
	"github.com/srika/srika/util"
)

const (
	DefaultCheckInterval = 6 * time.Hour
	DefaultInitialDelay  = 3 * time.Second
)

// DefaultRequiredPaths must exist in every staged version besides the entry point
var DefaultRequiredPaths = []string{"resources"}

// Duration is a time.Duration stored as a Go duration string in JSON
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// Config is the updater configuration, stored as updater/config.json
type Config struct {
	Repository   string   `json:"repository"`
	APIBaseURL   string   `json:"api_base_url"`
	AssetSuffix  string   `json:"asset_suffix"`
	AllowedHosts []string `json:"allowed_hosts"`
	// CAFile is a PEM bundle trusted in addition to the system roots
	CAFile string `json:"ca_file,omitempty"`

	EntryPoint    string   `json:"entry_point,omitempty"`
	RequiredPaths []string `json:"required_paths,omitempty"`

	ConnectTimeout    Duration `json:"connect_timeout"`
	InactivityTimeout Duration `json:"inactivity_timeout"`
	MaxRedirects      int      `json:"max_redirects"`

	InitialDelay  Duration `json:"initial_delay"`
	CheckInterval Duration `json:"check_interval"`

	WaitAttempts     int      `json:"wait_attempts"`
	WaitInterval     Duration `json:"wait_interval"`
	KeepBackups      int      `json:"keep_backups"`
	RecoveryLockWait Duration `json:"recovery_lock_wait"`

	LogLevel string `json:"log_level,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() Config {
	return Config{
		Repository:        releases.DefaultRepository,
		APIBaseURL:        releases.DefaultBaseURL,
		AssetSuffix:       releases.DefaultSuffix,
		AllowedHosts:      downloader.DefaultAllowedHosts(),
		RequiredPaths:     append([]string(nil), DefaultRequiredPaths...),
		ConnectTimeout:    Duration{downloader.DefaultConnectTimeout},
		InactivityTimeout: Duration{downloader.DefaultInactivityTimeout},
		MaxRedirects:      downloader.DefaultMaxRedirects,
		InitialDelay:      Duration{DefaultInitialDelay},
		CheckInterval:     Duration{DefaultCheckInterval},
		WaitAttempts:      installer.DefaultWaitAttempts,
		WaitInterval:      Duration{installer.DefaultWaitInterval},
		KeepBackups:       installer.DefaultKeepBackups,
		RecoveryLockWait:  Duration{recovery.DefaultLockWait},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the defaults.
// {{ .ENV }} references in the file are replaced from the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if err := util.ReadJsonWithEnvSub(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("no updater config at %s, using defaults", path)
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// TLSConfig returns the TLS client configuration for the downloader, or nil
// when the system roots are enough.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca_file: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		log.Debugf("system cert pool unavailable, trusting %s only: %v", c.CAFile, err)
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_file %s contains no PEM certificates", c.CAFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Validate checks values that would make the pipeline unsafe or unable to run
func (c Config) Validate() error {
	switch {
	case len(c.AllowedHosts) == 0:
		return errors.New("allowed_hosts must not be empty")
	case c.Repository == "":
		return errors.New("repository must not be empty")
	case c.CheckInterval.Duration < time.Minute:
		return fmt.Errorf("check_interval %s is shorter than a minute", c.CheckInterval)
	case c.InactivityTimeout.Duration <= 0 || c.ConnectTimeout.Duration <= 0:
		return errors.New("timeouts must be positive")
	case c.MaxRedirects < 0:
		return errors.New("max_redirects must not be negative")
	case c.KeepBackups < 0:
		return errors.New("keep_backups must not be negative")
	case c.WaitAttempts <= 0 || c.WaitInterval.Duration <= 0:
		return errors.New("wait_attempts and wait_interval must be positive")
	}
	return nil
}
