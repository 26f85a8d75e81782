package aggregation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported summary modes.
const (
	ModePull = "pull" // windowed counts from the view engine
	ModeLive = "live" // last-known positions from the change feed
)

// SummaryDefinition describes one summary document this process maintains.
// Definitions are loaded at startup from YAML files and fingerprinted.
type SummaryDefinition struct {
	Name              string   `yaml:"name"`
	Owner             string   `yaml:"owner"`
	Mode              string   `yaml:"mode"`
	Channels          []string `yaml:"channels"`
	DocumentPerWindow bool     `yaml:"document_per_window"` // pull only: one document per minute window
	Fingerprint       string   `yaml:"-"`                   // SHA-256 of the raw YAML file
}

// ValidMode reports whether mode is a supported summary mode.
func ValidMode(mode string) bool {
	return mode == ModePull || mode == ModeLive
}

// DefinitionRepository defines the interface for loading summary definitions.
type DefinitionRepository interface {
	// Get returns the definition with the given name, or an error if not found.
	Get(ctx context.Context, name string) (*SummaryDefinition, error)

	// List returns all loaded definitions, optionally filtered by mode.
	List(ctx context.Context, mode string) ([]SummaryDefinition, error)

	// GetDefinitions returns all definitions as a slice.
	GetDefinitions() []SummaryDefinition
}

// FileSystemDefinitionRepository loads summary definitions from *.yaml files in a
// directory. Each file contains exactly one definition at the top level.
type FileSystemDefinitionRepository struct {
	dir         string
	definitions map[string]SummaryDefinition // keyed by Name
}

// NewFileSystemDefinitionRepository creates a new repository and eagerly loads all
// definitions from dir. Returns an error if any file is malformed or invalid.
func NewFileSystemDefinitionRepository(dir string) (*FileSystemDefinitionRepository, error) {
	repo := &FileSystemDefinitionRepository{
		dir:         dir,
		definitions: make(map[string]SummaryDefinition),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemDefinitionRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no definitions directory, zero summaries configured
	}
	if err != nil {
		return fmt.Errorf("summary definition dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("summary definition path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading summary definition dir: %w", err)
	}

	owners := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading definition file %s: %w", path, err)
		}

		var def SummaryDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parsing definition file %s: %w", path, err)
		}
		if def.Name == "" {
			continue // skip empty / comment-only files
		}

		if strings.TrimSpace(def.Owner) == "" {
			return fmt.Errorf("summary %q: owner must not be empty", def.Name)
		}
		if !ValidMode(def.Mode) {
			return fmt.Errorf("summary %q: unsupported mode %q", def.Name, def.Mode)
		}
		if def.DocumentPerWindow && def.Mode != ModePull {
			return fmt.Errorf("summary %q: document_per_window requires mode %q", def.Name, ModePull)
		}
		if _, exists := r.definitions[def.Name]; exists {
			return fmt.Errorf("summary %q: duplicate summary name (check multiple YAML files)", def.Name)
		}
		// Both modes publish to <owner>/publishGeohash, so one owner can only be summarized once.
		if other, exists := owners[def.Owner]; exists {
			return fmt.Errorf("summary %q: owner %q already summarized by %q", def.Name, def.Owner, other)
		}
		owners[def.Owner] = def.Name

		def.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))
		r.definitions[def.Name] = def
	}
	return nil
}

// Get returns the definition with the given name, or an error if not found.
func (r *FileSystemDefinitionRepository) Get(_ context.Context, name string) (*SummaryDefinition, error) {
	def, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("summary definition %q not found", name)
	}
	return &def, nil
}

// List returns all loaded definitions, optionally filtered by mode.
func (r *FileSystemDefinitionRepository) List(_ context.Context, mode string) ([]SummaryDefinition, error) {
	var out []SummaryDefinition
	for _, def := range r.definitions {
		if mode != "" && def.Mode != mode {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// GetDefinitions returns all definitions as a slice.
func (r *FileSystemDefinitionRepository) GetDefinitions() []SummaryDefinition {
	defs := make([]SummaryDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	return defs
}
