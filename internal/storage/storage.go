package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"dbmaintain/internal/config"
	"dbmaintain/internal/script"
)

var (
	ErrDuplicateIndex   = errors.New("duplicate script index")
	ErrLocationNotFound = errors.New("script location not found")
)

// Repository reads scripts from a directory tree.
type Repository struct {
	root       string
	extensions []string
	included   []string
	excluded   []string
	factory    script.Factory
}

// NewFactory builds the script factory for the given scripts settings.
// Included and excluded qualifiers count as registered.
func NewFactory(cfg config.ScriptsConfig) (script.Factory, error) {
	f := script.Factory{
		PostprocessingDir:     cfg.PostprocessingDir,
		PatchQualifiers:       cfg.PatchQualifiers,
		IgnoreCarriageReturns: cfg.IgnoreCR(),
	}
	f.RegisteredQualifiers = append(f.RegisteredQualifiers, cfg.Qualifiers...)
	f.RegisteredQualifiers = append(f.RegisteredQualifiers, cfg.IncludedQualifiers...)
	f.RegisteredQualifiers = append(f.RegisteredQualifiers, cfg.ExcludedQualifiers...)
	if cfg.BaselineRevision != "" {
		baseline, err := script.ParseIndex(cfg.BaselineRevision)
		if err != nil {
			return script.Factory{}, fmt.Errorf("baseline_revision: %w", err)
		}
		f.Baseline = baseline
	}
	return f, nil
}

func NewRepository(cfg config.ScriptsConfig, factory script.Factory) *Repository {
	exts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts = append(exts, strings.ToLower(strings.TrimPrefix(e, ".")))
	}
	return &Repository{
		root:       cfg.Location,
		extensions: exts,
		included:   lower(cfg.IncludedQualifiers),
		excluded:   lower(cfg.ExcludedQualifiers),
		factory:    factory,
	}
}

// SortedScripts returns the non-postprocessing scripts in execution order.
func (r *Repository) SortedScripts() ([]*script.Script, error) {
	all, err := r.AllScripts()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, (*script.Script).IsPostprocessing), nil
}

func (r *Repository) PostProcessingScripts() ([]*script.Script, error) {
	all, err := r.AllScripts()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(s *script.Script) bool { return !s.IsPostprocessing() }), nil
}

// AllScripts walks the location and returns every selected script sorted.
func (r *Repository) AllScripts() ([]*script.Script, error) {
	info, err := os.Stat(r.root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrLocationNotFound, r.root)
	}

	var scripts []*script.Script
	err = filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !r.hasExtension(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		s, err := r.factory.New(filepath.ToSlash(rel), fi.ModTime().UnixMilli(), "", fileContent(p))
		if err != nil {
			return err
		}
		if r.selected(s) {
			scripts = append(scripts, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkDuplicateIndexes(scripts); err != nil {
		return nil, err
	}
	script.Sort(scripts)
	return scripts, nil
}

func (r *Repository) hasExtension(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	return ext != "" && slices.Contains(r.extensions, ext)
}

func (r *Repository) selected(s *script.Script) bool {
	qualifiers := s.Qualifiers()
	for _, q := range qualifiers {
		if slices.Contains(r.excluded, q) {
			return false
		}
	}
	if len(r.included) == 0 {
		return true
	}
	for _, q := range qualifiers {
		if slices.Contains(r.included, q) {
			return true
		}
	}
	return false
}

// checkDuplicateIndexes rejects two distinct files or folders that share a
// parent and carry the same index.
func checkDuplicateIndexes(scripts []*script.Script) error {
	seen := map[string]string{}
	for _, s := range scripts {
		segments := strings.Split(s.Key(), "/")
		idx := s.Index()
		for i, v := range idx {
			if v < 0 {
				continue
			}
			parent := strings.Join(segments[:i], "/")
			key := fmt.Sprintf("%s|%d", parent, v)
			name := path.Join(parent, segments[i])
			if prior, ok := seen[key]; ok && prior != name {
				return fmt.Errorf("%w %d: %s and %s", ErrDuplicateIndex, v, prior, name)
			}
			seen[key] = name
		}
	}
	return nil
}

func fileContent(p string) script.Content {
	return func() (io.ReadCloser, error) {
		return os.Open(p)
	}
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
