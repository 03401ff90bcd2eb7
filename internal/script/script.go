// Package script models versioned SQL script files and their recorded
// executions.
package script

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidScriptName         = errors.New("invalid script name")
	ErrRepeatableInIndexedFolder = errors.New("repeatable script located in an indexed folder")
	ErrUnknownQualifier          = errors.New("unknown qualifier")
	ErrConflictingTargetDatabase = errors.New("conflicting target databases")
	ErrNoContent                 = errors.New("script content not available")
)

// Content opens the body of a script. Scripts rebuilt from the executed
// scripts table have no content.
type Content func() (io.ReadCloser, error)

// Script is one script file, identified by its normalised path.
type Script struct {
	name           string
	key            string
	index          Index
	targetDatabase string
	qualifiers     []string
	lastModified   int64
	patch          bool
	postprocessing bool
	ignored        bool
	content        Content
	ignoreCR       bool

	checksumOnce sync.Once
	checksum     string
	checksumErr  error
}

// Name is the script path relative to the script location, using '/'.
func (s *Script) Name() string { return s.name }

// Key is the identity of the script: its name, lower-cased.
func (s *Script) Key() string { return s.key }

func (s *Script) Index() Index { return s.index }

// TargetDatabase is the database named by an @name token, or "" for the
// default database.
func (s *Script) TargetDatabase() string { return s.targetDatabase }

func (s *Script) Qualifiers() []string { return slices.Clone(s.qualifiers) }

// LastModified is the file modification time in unix milliseconds.
func (s *Script) LastModified() int64 { return s.lastModified }

func (s *Script) IsPatch() bool          { return s.patch }
func (s *Script) IsPostprocessing() bool { return s.postprocessing }

// IsIgnored reports whether the script is incremental and lies below the
// configured baseline revision.
func (s *Script) IsIgnored() bool { return s.ignored }

// IsIncremental reports whether the script carries an index and runs at most
// once.
func (s *Script) IsIncremental() bool {
	return !s.postprocessing && s.index.HasIndex()
}

// IsRepeatable reports whether the script carries no index and is re-run
// whenever its content changes.
func (s *Script) IsRepeatable() bool {
	return !s.postprocessing && !s.index.HasIndex()
}

// HasContent reports whether the script body can be read.
func (s *Script) HasContent() bool { return s.content != nil }

// Open returns the script body.
func (s *Script) Open() (io.ReadCloser, error) {
	if s.content == nil {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoContent)
	}
	return s.content()
}

// ReadContent returns the full script body as a string.
func (s *Script) ReadContent() (string, error) {
	rc, err := s.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", s.name, err)
	}
	return string(body), nil
}

// Checksum returns the content checksum, computing it on first use when it
// was not supplied at construction.
func (s *Script) Checksum() (string, error) {
	s.checksumOnce.Do(func() {
		if s.checksum != "" {
			return
		}
		body, err := s.ReadContent()
		if err != nil {
			s.checksumErr = err
			return
		}
		s.checksum = computeChecksum([]byte(body), s.ignoreCR)
	})
	return s.checksum, s.checksumErr
}

// SameContent reports whether two scripts hold the same content. With
// useLastModifiedDates, equal modification times are trusted without reading
// the content.
func (s *Script) SameContent(o *Script, useLastModifiedDates bool) (bool, error) {
	if useLastModifiedDates && s.lastModified == o.lastModified {
		return true, nil
	}
	a, err := s.Checksum()
	if err != nil {
		return false, err
	}
	b, err := o.Checksum()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// Equal reports whether both scripts refer to the same file.
func (s *Script) Equal(o *Script) bool { return s.key == o.key }

// Compare orders scripts for execution: postprocessing scripts last,
// indexed scripts before unindexed ones, then by index, then by path.
func (s *Script) Compare(o *Script) int {
	if s.postprocessing != o.postprocessing {
		if s.postprocessing {
			return 1
		}
		return -1
	}
	si, oi := s.index.HasIndex(), o.index.HasIndex()
	switch {
	case si && !oi:
		return -1
	case !si && oi:
		return 1
	case si && oi:
		if c := s.index.Compare(o.index); c != 0 {
			return c
		}
	}
	return strings.Compare(s.key, o.key)
}

func (s *Script) String() string { return s.name }

// Sort orders scripts in execution order.
func Sort(scripts []*Script) {
	slices.SortFunc(scripts, (*Script).Compare)
}

// ExecutedScript records one execution of a script.
type ExecutedScript struct {
	Script     *Script
	ExecutedAt time.Time
	Successful bool
	RunID      string
}

// Compare orders executed scripts by their script.
func (e *ExecutedScript) Compare(o *ExecutedScript) int {
	return e.Script.Compare(o.Script)
}

// Factory builds scripts from file names using the configured naming rules.
type Factory struct {
	PostprocessingDir     string
	RegisteredQualifiers  []string
	PatchQualifiers       []string
	Baseline              Index
	IgnoreCarriageReturns bool
}

// New builds a script. checksum may be empty, in which case it is computed
// from content on demand.
func (f Factory) New(name string, lastModified int64, checksum string, content Content) (*Script, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidScriptName)
	}
	segments := strings.Split(name, "/")
	s := &Script{
		name:         name,
		key:          strings.ToLower(name),
		index:        make(Index, 0, len(segments)),
		lastModified: lastModified,
		checksum:     checksum,
		content:      content,
		ignoreCR:     f.IgnoreCarriageReturns,
	}

	if dir := normalizeName(f.PostprocessingDir); dir != "" {
		s.postprocessing = strings.HasPrefix(s.key, strings.ToLower(dir)+"/")
	}

	qualifiers := map[string]struct{}{}
	for i, seg := range segments {
		if i == len(segments)-1 {
			seg = strings.TrimSuffix(seg, path.Ext(seg))
		}
		idx, rest := splitIndex(seg)
		s.index = append(s.index, idx)
		for _, tok := range strings.Split(rest, "_") {
			switch {
			case len(tok) > 1 && tok[0] == '#':
				qualifiers[strings.ToLower(tok[1:])] = struct{}{}
			case len(tok) > 1 && tok[0] == '@':
				db := strings.ToLower(tok[1:])
				if s.targetDatabase != "" && s.targetDatabase != db {
					return nil, fmt.Errorf("%w: %s names both %s and %s", ErrConflictingTargetDatabase, name, s.targetDatabase, db)
				}
				s.targetDatabase = db
			}
		}
	}

	fileIndex := s.index[len(s.index)-1]
	if !s.postprocessing && fileIndex == noIndex && s.index.HasIndex() {
		return nil, fmt.Errorf("%w: %s; add an index to the file name or move it out of the indexed folder", ErrRepeatableInIndexedFolder, name)
	}

	known := map[string]bool{}
	for _, q := range f.RegisteredQualifiers {
		known[strings.ToLower(q)] = true
	}
	patchSet := map[string]bool{}
	for _, q := range f.PatchQualifiers {
		known[strings.ToLower(q)] = true
		patchSet[strings.ToLower(q)] = true
	}
	for q := range qualifiers {
		if !known[q] {
			return nil, fmt.Errorf("%w %q in script %s; register it in scripts.qualifiers", ErrUnknownQualifier, q, name)
		}
		s.qualifiers = append(s.qualifiers, q)
		if patchSet[q] {
			s.patch = true
		}
	}
	slices.Sort(s.qualifiers)

	if len(f.Baseline) > 0 && s.IsIncremental() {
		s.ignored = s.index.Below(f.Baseline)
	}
	return s, nil
}

// NewExecuted rebuilds a script from a row of the executed scripts table.
func (f Factory) NewExecuted(name string, lastModified int64, checksum string) (*Script, error) {
	return f.New(name, lastModified, checksum, nil)
}

// FromBytes builds a script whose content is held in memory.
func (f Factory) FromBytes(name string, lastModified int64, body []byte) (*Script, error) {
	return f.New(name, lastModified, "", func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	})
}

// splitIndex separates a leading "<digits>_" prefix from a path segment.
func splitIndex(seg string) (int64, string) {
	n := 0
	for n < len(seg) && seg[n] >= '0' && seg[n] <= '9' {
		n++
	}
	if n == 0 || n >= len(seg) || seg[n] != '_' || n > 18 {
		return noIndex, seg
	}
	var v int64
	for _, c := range seg[:n] {
		v = v*10 + int64(c-'0')
	}
	return v, seg[n+1:]
}

func normalizeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	name = strings.TrimPrefix(name, "./")
	return strings.Trim(name, "/")
}

func computeChecksum(body []byte, ignoreCR bool) string {
	if ignoreCR {
		body = bytes.ReplaceAll(body, []byte("\r"), nil)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
