// Package tls builds the API server's TLS settings, optionally generating a
// self-signed pair for lab machines without a real certificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key when CertFile/KeyFile are not set.
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	// Hosts are the DNS names and IPs put into a generated certificate.
	Hosts      []string `mapstructure:"hosts"`
	ValidDays  int      `mapstructure:"valid_days"`
	MinVersion string   `mapstructure:"min_version"` // "1.2" or "1.3"
}

// Validate reports settings that cannot produce a certificate.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled without cert_file/key_file or dir")
	}
	if _, err := parseVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// Paths returns the certificate and key the server will load.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName)
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("tls: unsupported min_version %q", v)
}

// Setup returns the server TLS config, nil when TLS is disabled. With
// AutoGenerate a missing pair in Dir is created first. The pair is re-read on
// every handshake so renewed files apply without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)
	certPath, keyPath := c.Paths()
	if c.CertFile == "" && c.AutoGenerate && !exists(certPath, keyPath) {
		days := c.ValidDays
		if days <= 0 {
			days = 365
		}
		if err := GenerateSelfSigned(CertConfig{
			Hosts:    c.Hosts,
			NotAfter: time.Now().AddDate(0, 0, days),
			CertPath: certPath,
			KeyPath:  keyPath,
		}); err != nil {
			return nil, fmt.Errorf("tls: generate certificate: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			pair, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &pair, nil
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
