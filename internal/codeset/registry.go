// Package codeset resolves named code collections into O(1) membership
// tests. Code sets are configuration data loaded once per run, never
// logic: the large per-medication enumerations live in YAML files under
// the configured directory.
package codeset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pincer-filter-engine/internal/domain"
)

// CodeSet is a named, vocabulary-tagged collection of codes. Matching is
// exact on (code, vocabulary): a substance-level code in a set never
// matches a product-level event stream, and the mismatch yields zero
// matches silently. Keep set vocabularies aligned with the stream they
// are meant to match.
type CodeSet struct {
	Name  string             `yaml:"name"`
	Codes []domain.CodedValue `yaml:"codes"`
}

// Membership is a side-effect-free O(1) membership test over one code set.
type Membership struct {
	name  string
	codes map[domain.CodedValue]struct{}
}

// Name returns the originating code set name. Timeline stores use it as a
// stable cache key.
func (m Membership) Name() string {
	return m.name
}

// Contains reports whether the coded value belongs to the set.
func (m Membership) Contains(c domain.CodedValue) bool {
	_, ok := m.codes[c]
	return ok
}

// Size returns the number of distinct codes in the set. Duplicate entries
// in the source file collapse, so duplicates never change matching.
func (m Membership) Size() int {
	return len(m.codes)
}

// Vocabularies returns the distinct vocabularies present in the set,
// sorted. Used by rule builders that require product-level sets.
func (m Membership) Vocabularies() []domain.Vocabulary {
	seen := make(map[domain.Vocabulary]struct{})
	for c := range m.codes {
		seen[c.Vocabulary] = struct{}{}
	}
	out := make([]domain.Vocabulary, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry holds every loaded code set and resolves names to membership
// tests. Loading completes before any evaluation starts; an unknown name
// at resolve time is a fatal configuration error.
type Registry struct {
	log  *logrus.Logger
	sets map[string]Membership
}

// codesetFile is the on-disk shape: one file may carry several sets.
type codesetFile struct {
	CodeSets []CodeSet `yaml:"codesets"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		log:  logger,
		sets: make(map[string]Membership),
	}
}

// LoadDir loads every *.yaml file under dir. Duplicate set names across
// files are a configuration error.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.NewConfigError(fmt.Sprintf("reading code set directory %s", dir), err)
	}

	files := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
		files++
	}

	if len(r.sets) == 0 {
		return domain.NewConfigError(fmt.Sprintf("no code sets found under %s", dir), nil)
	}

	r.log.WithFields(logrus.Fields{
		"dir":   dir,
		"files": files,
		"sets":  len(r.sets),
	}).Info("Code set registry loaded")

	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.NewConfigError(fmt.Sprintf("reading code set file %s", path), err)
	}

	var file codesetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.NewConfigError(fmt.Sprintf("parsing code set file %s", path), err)
	}

	for _, cs := range file.CodeSets {
		if err := r.Add(cs); err != nil {
			return fmt.Errorf("in %s: %w", path, err)
		}
	}
	return nil
}

// Add registers a single code set, collapsing duplicate codes.
func (r *Registry) Add(cs CodeSet) error {
	if cs.Name == "" {
		return domain.NewConfigError("code set with empty name", nil)
	}
	if _, exists := r.sets[cs.Name]; exists {
		return domain.NewConfigError(fmt.Sprintf("duplicate code set %q", cs.Name), nil)
	}
	if len(cs.Codes) == 0 {
		return domain.NewConfigError(fmt.Sprintf("code set %q has no codes", cs.Name), nil)
	}

	codes := make(map[domain.CodedValue]struct{}, len(cs.Codes))
	for _, c := range cs.Codes {
		if c.Code == "" || c.Vocabulary == "" {
			return domain.NewConfigError(
				fmt.Sprintf("code set %q has an entry missing code or vocabulary", cs.Name), nil)
		}
		codes[c] = struct{}{}
	}

	r.sets[cs.Name] = Membership{name: cs.Name, codes: codes}
	return nil
}

// Resolve returns the membership test for a named set. Unknown names are
// fatal: the error wraps domain.ErrUnknownCodeSet and must stop the run
// before evaluation starts.
func (r *Registry) Resolve(name string) (Membership, error) {
	ms, ok := r.sets[name]
	if !ok {
		return Membership{}, fmt.Errorf("%w: %q", domain.ErrUnknownCodeSet, name)
	}
	return ms, nil
}

// Names returns all loaded set names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
