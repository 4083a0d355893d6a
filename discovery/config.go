package discovery

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds etcd connection settings.
type Config struct {
	// Endpoints is the list of etcd endpoints, "host:port".
	Endpoints []string `yaml:"endpoints"`

	// Namespace prefixes every key. Default: "granule".
	Namespace string `yaml:"namespace"`

	// TTL is the lease lifetime in seconds. Default: 30.
	TTL int `yaml:"ttl"`

	// DialTimeout bounds the initial connection. Default: 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds mutual TLS material for etcd.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "granule"
	}
	if c.TTL <= 0 {
		c.TTL = 30
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// ConfigFromEnv reads GRANULE_ETCD_ENDPOINTS, a comma-separated endpoint
// list. It returns false when the variable is unset.
func ConfigFromEnv() (Config, bool) {
	raw := os.Getenv("GRANULE_ETCD_ENDPOINTS")
	if raw == "" {
		return Config{}, false
	}

	var endpoints []string
	for _, ep := range strings.Split(raw, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return Config{Endpoints: endpoints}.withDefaults(), len(endpoints) > 0
}

func (c Config) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints cannot be empty")
	}
	if c.TLS != nil && c.TLS.Enabled {
		switch {
		case c.TLS.CertFile == "":
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		case c.TLS.KeyFile == "":
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		case c.TLS.CAFile == "":
			return fmt.Errorf("TLS CA file is required when TLS is enabled")
		}
	}
	return nil
}
