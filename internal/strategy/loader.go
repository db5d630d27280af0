// Package strategy discovers and validates declarative strategy files.
// Each YAML document becomes a domain.Task; a file that fails to parse,
// validate, or compile is reported and skipped without affecting its
// siblings.
package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/factor"
)

// LoadFailure records one strategy that could not be loaded.
type LoadFailure struct {
	File string
	Name string // Task name if it got far enough to have one
	Err  error
}

// Loader reads strategy declarations from a directory.
type Loader struct {
	dir string
	log zerolog.Logger
}

// NewLoader builds a loader over a directory of *.yaml / *.yml files.
func NewLoader(dir string, log zerolog.Logger) *Loader {
	return &Loader{
		dir: dir,
		log: log.With().Str("component", "strategy_loader").Logger(),
	}
}

// Load reads every strategy file in the directory. Broken strategies are
// returned as failures, not errors; the error is reserved for directory-level
// problems. Tasks come back sorted by name, duplicates rejected.
func (l *Loader) Load() ([]domain.Task, []LoadFailure, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read strategies directory %s: %w", l.dir, err)
	}

	var tasks []domain.Task
	var failures []LoadFailure
	seen := make(map[string]string) // task name -> file

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, name)

		fileTasks, err := LoadFile(path)
		if err != nil {
			l.log.Warn().Err(err).Str("file", name).Msg("Skipping broken strategy file")
			failures = append(failures, LoadFailure{File: name, Err: err})
			continue
		}
		for _, t := range fileTasks {
			if prev, dup := seen[t.Name]; dup {
				err := fmt.Errorf("task %q already declared in %s", t.Name, prev)
				l.log.Warn().Err(err).Str("file", name).Msg("Skipping duplicate strategy")
				failures = append(failures, LoadFailure{File: name, Name: t.Name, Err: err})
				continue
			}
			seen[t.Name] = name
			tasks = append(tasks, t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	l.log.Info().
		Int("loaded", len(tasks)).
		Int("failed", len(failures)).
		Str("dir", l.dir).
		Msg("Strategies loaded")
	return tasks, failures, nil
}

// LoadFile parses one strategy file. A file may hold several tasks as
// separate YAML documents.
func LoadFile(path string) ([]domain.Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}

	var tasks []domain.Task
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	for {
		var t domain.Task
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		if err := prepare(&t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%s declares no tasks", filepath.Base(path))
	}
	return tasks, nil
}

// prepare applies defaults, validates structure, and compiles every factor
// expression so an unparseable formula is caught at load time rather than
// mid-run.
func prepare(t *domain.Task) error {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return err
	}
	for _, expr := range t.Expressions() {
		if _, err := factor.Compile(expr); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	return nil
}
