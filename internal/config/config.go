// Package config loads and validates the svid-sink object configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ObjectTypeX509SVID = "x509-svid"
	ObjectTypeJWTSVID  = "jwt-svid"
)

// FlagsConfig carries the command line flags of the svid-sink daemon.
type FlagsConfig struct {
	ConfigPath      string
	LogLevel        string
	Version         bool
	WorkloadAPIAddr string
	MetricsAddr     string
	RefreshInterval time.Duration
	InitTimeout     time.Duration
}

// Config is the sink configuration parsed from the YAML config file.
type Config struct {
	// OutputDir is the directory all object paths are resolved under.
	OutputDir string `yaml:"outputDir"`

	// FilePermission is the default mode for written files. Objects may
	// override it.
	FilePermission os.FileMode `yaml:"filePermission,omitempty"`

	Objects []Object `yaml:"objects"`
}

// Object describes one identity document to keep on disk.
type Object struct {
	ObjectName     string      `yaml:"objectName"`
	Type           string      `yaml:"type"`
	Audience       []string    `yaml:"audience,omitempty"`
	FilePermission os.FileMode `yaml:"filePermission,omitempty"`

	// Paths are relative to OutputDir: three for x509-svid (cert, key,
	// bundle), one for jwt-svid (token).
	Paths []string `yaml:"paths"`
}

// Load reads and validates the config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML config document.
func Parse(raw []byte) (Config, error) {
	config := Config{
		FilePermission: 0640,
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.OutputDir == "" {
		return errors.New("missing outputDir field")
	}

	if len(c.Objects) == 0 {
		return errors.New("no objects configured - the sink would not write any SVIDs")
	}

	objectNames := map[string]struct{}{}
	for _, object := range c.Objects {
		if object.ObjectName == "" {
			return errors.New("each object requires an objectName")
		}
		if _, exists := objectNames[object.ObjectName]; exists {
			return fmt.Errorf("duplicate objectName %q, each objectName must be unique", object.ObjectName)
		}
		objectNames[object.ObjectName] = struct{}{}

		switch object.Type {
		case ObjectTypeX509SVID, ObjectTypeJWTSVID:

		default:
			return fmt.Errorf("invalid type %q for object %q", object.Type, object.ObjectName)
		}

		if object.Type == ObjectTypeJWTSVID && len(object.Audience) == 0 {
			return fmt.Errorf("audience is required for JWT SVID object %q", object.ObjectName)
		}

		if object.Type == ObjectTypeX509SVID && len(object.Paths) != 3 {
			return fmt.Errorf("x509-svid object %q should have exactly 3 paths (cert, key, bundle)", object.ObjectName)
		}

		if object.Type == ObjectTypeJWTSVID && len(object.Paths) != 1 {
			return fmt.Errorf("jwt-svid object %q should have exactly 1 path", object.ObjectName)
		}
	}

	return nil
}

// Mode returns the file mode for the object, falling back to the config
// default.
func (c *Config) Mode(object Object) os.FileMode {
	if object.FilePermission != 0 {
		return object.FilePermission
	}
	return c.FilePermission
}
