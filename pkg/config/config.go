// Package config loads YAML configuration for Stratum daemons and embedders.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratum-db/stratum/pkg/logger"
	"github.com/stratum-db/stratum/pkg/telemetry"
)

// BusConfig configures the cross-context broadcast hub and its clients.
type BusConfig struct {
	// Listen is the UDP address the QUIC hub binds to, e.g. "127.0.0.1:9653".
	Listen string `yaml:"listen"`
	// CertDir is the directory holding (or receiving generated) TLS material.
	CertDir string `yaml:"cert_dir"`
	// MaxFrameBytes caps a single broadcast frame. Defaults to 256 KiB.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	// PublishRate limits client publishes per second. 0 disables the limiter.
	PublishRate float64 `yaml:"publish_rate"`
}

// File is the top-level configuration document.
type File struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Bus       BusConfig        `yaml:"bus"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if f.Bus.MaxFrameBytes <= 0 {
		f.Bus.MaxFrameBytes = 256 * 1024
	}
	return &f, nil
}
