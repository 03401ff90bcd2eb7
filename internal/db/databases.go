package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dbmaintain/internal/config"
)

// ErrUnknownDatabase is returned when a script targets a database name that
// is not configured.
var ErrUnknownDatabase = errors.New("unknown database")

// Databases holds one dialect per configured database. The first database
// is the default one.
type Databases struct {
	names    []string
	dialects map[string]Dialect
	schemas  map[string][]string
}

// OpenAll opens every configured database. On failure the ones already
// opened are closed.
func OpenAll(cfgs []config.DatabaseConfig) (*Databases, error) {
	out := NewDatabases()
	for _, c := range cfgs {
		d, err := Open(c)
		if err != nil {
			out.Close() // nolint:errcheck
			return nil, fmt.Errorf("open database %s: %w", c.Name, err)
		}
		out.Add(c.Name, d, c.Schemas...)
	}
	return out, nil
}

func NewDatabases() *Databases {
	return &Databases{dialects: map[string]Dialect{}, schemas: map[string][]string{}}
}

// Add registers a dialect under name. Empty schemas fall back to the
// dialect's default schema.
func (d *Databases) Add(name string, dialect Dialect, schemas ...string) {
	key := strings.ToLower(name)
	if _, ok := d.dialects[key]; !ok {
		d.names = append(d.names, key)
	}
	d.dialects[key] = dialect
	d.schemas[key] = schemas
}

func (d *Databases) Names() []string { return append([]string(nil), d.names...) }

func (d *Databases) DefaultName() string {
	if len(d.names) == 0 {
		return ""
	}
	return d.names[0]
}

func (d *Databases) Default() Dialect {
	if len(d.names) == 0 {
		return nil
	}
	return d.dialects[d.names[0]]
}

// Get resolves name to a dialect; an empty name selects the default.
func (d *Databases) Get(name string) (Dialect, error) {
	if name == "" {
		if len(d.names) == 0 {
			return nil, fmt.Errorf("%w: no databases configured", ErrUnknownDatabase)
		}
		return d.Default(), nil
	}
	dialect, ok := d.dialects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDatabase, name)
	}
	return dialect, nil
}

// Schemas returns the configured schemas of a database or its default
// schema.
func (d *Databases) Schemas(ctx context.Context, name string) ([]string, error) {
	dialect, err := d.Get(name)
	if err != nil {
		return nil, err
	}
	if s := d.schemas[strings.ToLower(name)]; len(s) > 0 {
		return append([]string(nil), s...), nil
	}
	if name == "" {
		if s := d.schemas[d.DefaultName()]; len(s) > 0 {
			return append([]string(nil), s...), nil
		}
	}
	schema, err := dialect.DefaultSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("default schema of %s: %w", name, err)
	}
	return []string{schema}, nil
}

func (d *Databases) Ping(ctx context.Context) error {
	for _, name := range d.names {
		if err := d.dialects[name].Ping(ctx); err != nil {
			return fmt.Errorf("ping %s: %w", name, err)
		}
	}
	return nil
}

func (d *Databases) Close() error {
	var errs []error
	for _, name := range d.names {
		if err := d.dialects[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
