package bids

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known entity keys.
const (
	EntitySubject   = "sub"
	EntitySession   = "ses"
	EntityTask      = "task"
	EntityRun       = "run"
	EntityDirection = "dir"
	EntityAcq       = "acq"
)

// knownExtensions are checked longest first so ".nii.gz" wins over ".gz".
var knownExtensions = []string{".nii.gz", ".nii", ".json", ".tsv"}

// Entity is one key-value segment of a filename stem.
type Entity struct {
	Key   string
	Value string
}

// Filename is a parsed BIDS filename: ordered entities, a suffix and an
// extension. It re-renders to the exact input when left unmodified.
type Filename struct {
	Entities []Entity
	Suffix   string
	Ext      string
}

var ErrInvalidFilename = errors.New("invalid BIDS filename")

// ParseFilename parses a base name such as
// "sub-01_ses-1_acq-fast_dir-PA_epi.nii.gz".
func ParseFilename(name string) (Filename, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Filename{}, fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	stem, ext := splitExt(name)

	parts := strings.Split(stem, "_")
	if len(parts) < 2 {
		return Filename{}, fmt.Errorf("%w: %q has no suffix", ErrInvalidFilename, name)
	}
	suffix := parts[len(parts)-1]
	if suffix == "" || strings.Contains(suffix, "-") {
		return Filename{}, fmt.Errorf("%w: %q has no suffix", ErrInvalidFilename, name)
	}

	f := Filename{Suffix: suffix, Ext: ext, Entities: make([]Entity, 0, len(parts)-1)}
	seen := make(map[string]struct{}, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		key, value, ok := strings.Cut(p, "-")
		if !ok || key == "" || value == "" {
			return Filename{}, fmt.Errorf("%w: %q: malformed entity %q", ErrInvalidFilename, name, p)
		}
		if _, dup := seen[key]; dup {
			return Filename{}, fmt.Errorf("%w: %q: duplicate entity %q", ErrInvalidFilename, name, key)
		}
		seen[key] = struct{}{}
		f.Entities = append(f.Entities, Entity{Key: key, Value: value})
	}
	return f, nil
}

func splitExt(name string) (stem, ext string) {
	lower := strings.ToLower(name)
	for _, e := range knownExtensions {
		if strings.HasSuffix(lower, e) {
			return name[:len(name)-len(e)], name[len(name)-len(e):]
		}
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i:]
	}
	return name, ""
}

// Get returns the value of key.
func (f Filename) Get(key string) (string, bool) {
	for _, e := range f.Entities {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// With returns a copy with key set to value. An existing entity keeps its
// position; a new one is appended before the suffix.
func (f Filename) With(key, value string) Filename {
	out := f.clone()
	for i := range out.Entities {
		if out.Entities[i].Key == key {
			out.Entities[i].Value = value
			return out
		}
	}
	out.Entities = append(out.Entities, Entity{Key: key, Value: value})
	return out
}

// Without returns a copy with key removed.
func (f Filename) Without(key string) Filename {
	out := Filename{Suffix: f.Suffix, Ext: f.Ext, Entities: make([]Entity, 0, len(f.Entities))}
	for _, e := range f.Entities {
		if e.Key != key {
			out.Entities = append(out.Entities, e)
		}
	}
	return out
}

// Stem renders entities and suffix without the extension.
func (f Filename) Stem() string {
	var b strings.Builder
	for _, e := range f.Entities {
		b.WriteString(e.Key)
		b.WriteByte('-')
		b.WriteString(e.Value)
		b.WriteByte('_')
	}
	b.WriteString(f.Suffix)
	return b.String()
}

func (f Filename) String() string { return f.Stem() + f.Ext }

func (f Filename) clone() Filename {
	out := Filename{Suffix: f.Suffix, Ext: f.Ext, Entities: make([]Entity, len(f.Entities))}
	copy(out.Entities, f.Entities)
	return out
}
