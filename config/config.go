// Package config loads the registry daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"ocistore.dev/go/ocistore"
)

// Config is the top-level configuration document.
type Config struct {
	HTTP        HTTP        `yaml:"http"`
	Metadata    Metadata    `yaml:"metadata"`
	ObjectStore ObjectStore `yaml:"objectstore"`

	// Repositories are created at startup so that read-only clients
	// can list them before the first push.
	Repositories []string `yaml:"repositories"`
}

// HTTP configures the listening socket.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Metadata configures the SQLite metadata database.
type Metadata struct {
	Path string `yaml:"path"`
}

// ObjectStore selects and configures the blob content backend.
type ObjectStore struct {
	// Backend is "s3" or "memory".
	Backend string `yaml:"backend"`
	S3      S3     `yaml:"s3"`
}

// S3 holds the settings for the s3 backend.
type S3 struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Default returns the configuration used when no file is given: an
// in-memory object store and a local SQLite file, listening on :8100.
func Default() *Config {
	return &Config{
		HTTP:        HTTP{Addr: ":8100"},
		Metadata:    Metadata{Path: "ocistore.db"},
		ObjectStore: ObjectStore{Backend: "memory"},
	}
}

// Load reads and validates the configuration file at path. Fields left
// empty take the values from [Default]; unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document yields io.EOF; that just means no overrides.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ObjectStore.Backend {
	case "memory":
	case "s3":
		if c.ObjectStore.S3.Bucket == "" {
			return fmt.Errorf("objectstore backend %q requires a bucket", c.ObjectStore.Backend)
		}
	default:
		return fmt.Errorf("unknown objectstore backend %q", c.ObjectStore.Backend)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path must not be empty")
	}
	for _, name := range c.Repositories {
		if !ocistore.IsValidRepoName(name) {
			return fmt.Errorf("invalid repository name %q", name)
		}
	}
	return nil
}
