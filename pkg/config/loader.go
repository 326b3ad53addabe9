package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrConfigTooLarge is returned for files above Limits.MaxFileSize
var ErrConfigTooLarge = errors.New("config file too large")

// Limits bounds what the loader accepts
type Limits struct {
	MaxFileSize int64 // bytes (default: 1MB)
	MaxDepth    int   // YAML nesting depth (default: 20)
	MaxNodes    int   // YAML node count (default: 10000)
}

// DefaultLimits returns the loader's default limits
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize: 1024 * 1024,
		MaxDepth:    20,
		MaxNodes:    10000,
	}
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is an operator-supplied config file
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
	limits     Limits
}

// NewConfigLoader creates a loader with default limits
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return NewConfigLoaderWithLimits(fr, DefaultLimits())
}

// NewConfigLoaderWithLimits creates a loader with custom limits
func NewConfigLoaderWithLimits(fr FileReader, limits Limits) *ConfigLoader {
	if fr == nil {
		fr = &OSFileReader{}
	}
	return &ConfigLoader{fileReader: fr, limits: limits}
}

// LoadConfig reads path, decodes it over Default() according to its
// extension (.toml, otherwise YAML), applies environment overrides and
// validates the result.
func (cl *ConfigLoader) LoadConfig(path string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if int64(len(data)) > cl.limits.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrConfigTooLarge, len(data), cl.limits.MaxFileSize)
	}

	cfg := Default()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := cl.decodeYAML(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads a configuration file from disk
func LoadConfig(path string) (*Config, error) {
	return NewConfigLoader(&OSFileReader{}).LoadConfig(path)
}

// SaveConfig writes cfg to path, as TOML for a .toml extension and YAML otherwise
func SaveConfig(cfg *Config, path string) error {
	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// decodeYAML checks the document's shape against the limits before
// decoding it into v.
func (cl *ConfigLoader) decodeYAML(data []byte, v any) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	nodes := 0
	if err := cl.checkNode(&root, 0, &nodes); err != nil {
		return err
	}
	if root.Kind == 0 {
		// Empty document: keep the defaults.
		return nil
	}
	return root.Decode(v)
}

func (cl *ConfigLoader) checkNode(node *yaml.Node, depth int, nodes *int) error {
	if depth > cl.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, cl.limits.MaxDepth)
	}
	*nodes++
	if *nodes > cl.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", cl.limits.MaxNodes)
	}

	next := depth + 1
	if node.Kind == yaml.DocumentNode {
		next = depth
	}
	for _, child := range node.Content {
		if err := cl.checkNode(child, next, nodes); err != nil {
			return err
		}
	}
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		return cl.checkNode(node.Alias, next, nodes)
	}
	return nil
}
