package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFileName is the optional per-project settings file.
const ProjectFileName = ".autocoder.yaml"

// Duration is a time.Duration written as a string ("3s", "1m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", n.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Project models .autocoder.yaml. Command line flags override it.
type Project struct {
	Cycles           int      `yaml:"cycles,omitempty"`
	Interval         Duration `yaml:"interval,omitempty"`
	ClaudePath       string   `yaml:"claude_path,omitempty"`
	Model            string   `yaml:"model,omitempty"`
	MaxTurns         int      `yaml:"max_turns,omitempty"`
	LogDir           string   `yaml:"log_dir,omitempty"`
	LogRetentionDays int      `yaml:"log_retention_days,omitempty"`
	ArchiveCodec     string   `yaml:"archive_codec,omitempty"`
	TodoFile         string   `yaml:"todo_file,omitempty"`
}

// DefaultProject returns the settings used when no file exists.
func DefaultProject() Project {
	return Project{
		Cycles:           1,
		Interval:         Duration(3 * time.Second),
		ClaudePath:       "claude",
		LogRetentionDays: 7,
		ArchiveCodec:     "zstd",
		TodoFile:         "todo.md",
	}
}

// LoadProjectFile reads <dir>/.autocoder.yaml over the defaults. A missing
// file is not an error. Unknown keys are.
func LoadProjectFile(dir string) (Project, error) {
	p := DefaultProject()
	path := filepath.Join(dir, ProjectFileName)
	raw, err := os.ReadFile(path) //nolint:gosec // path is inside the project dir.
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return DefaultProject(), fmt.Errorf("parse %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return DefaultProject(), fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Project) validate() error {
	switch {
	case p.Cycles < 0:
		return fmt.Errorf("cycles must be >= 0, got %d", p.Cycles)
	case p.MaxTurns < 0:
		return fmt.Errorf("max_turns must be >= 0, got %d", p.MaxTurns)
	case p.TodoFile == "" || filepath.IsAbs(p.TodoFile):
		return fmt.Errorf("todo_file must be a relative path, got %q", p.TodoFile)
	}
	return nil
}
