package fieldmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pepolar/internal/bids"
)

// SuffixEPI is the suffix of PEPOLAR fieldmap images.
const SuffixEPI = "epi"

// Group is a set of fieldmap images sharing every entity except dir.
type Group struct {
	// Key is the shared filename stem with the dir entity removed.
	Key string

	// Directions maps each dir label to its image path.
	Directions map[string]string
}

// Labels returns the direction labels of the group, sorted.
func (g Group) Labels() []string {
	out := make([]string, 0, len(g.Directions))
	for l := range g.Directions {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Validate checks the group holds one direction, or two directions that are
// configured opposites. Anything else cannot be resolved and is ambiguous.
func (g Group) Validate(pairs bids.DirectionPairs) error {
	labels := g.Labels()
	switch len(labels) {
	case 1:
		return nil
	case 2:
		if pairs.AreOpposite(labels[0], labels[1]) {
			return nil
		}
		return fmt.Errorf("%w: %s has directions %s which are not a configured opposite pair",
			ErrAmbiguousGroup, g.Key, strings.Join(labels, ", "))
	default:
		return fmt.Errorf("%w: %s has %d directions (%s)",
			ErrAmbiguousGroup, g.Key, len(labels), strings.Join(labels, ", "))
	}
}

// Discoverer groups the *_epi images of a fieldmap folder.
type Discoverer struct {
	Logger *zap.Logger
}

// NewDiscoverer creates a Discoverer. A nil logger discards output.
func NewDiscoverer(logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{Logger: logger}
}

// Scan returns the groups of fmapDir sorted by key. A folder without any
// fieldmap image is an error: an empty result cannot be told apart from a
// misconfigured input.
//
// Images without a dir entity cannot take part in a PEPOLAR pair and are
// skipped with a warning.
func (d *Discoverer) Scan(fmapDir string) ([]Group, error) {
	images, err := bids.NewImageResolver(fmapDir).Resolve(SuffixEPI)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoFieldmaps, fmapDir)
		}
		return nil, fmt.Errorf("listing %s: %w", fmapDir, err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFieldmaps, fmapDir)
	}

	byKey := make(map[string]*Group)
	for _, img := range images {
		name, err := bids.ParseFilename(filepath.Base(img))
		if err != nil {
			return nil, err
		}
		label, ok := name.Get(bids.EntityDirection)
		if !ok {
			d.Logger.Warn("fieldmap without dir entity skipped", zap.String("path", img))
			continue
		}
		key := name.Without(bids.EntityDirection).Stem()
		g, ok := byKey[key]
		if !ok {
			g = &Group{Key: key, Directions: make(map[string]string)}
			byKey[key] = g
		}
		// ".nii" and ".nii.gz" of the same stem would collide here.
		if prev, dup := g.Directions[label]; dup {
			return nil, fmt.Errorf("%w: %s has two images for direction %s (%s, %s)",
				ErrAmbiguousGroup, key, label, filepath.Base(prev), filepath.Base(img))
		}
		g.Directions[label] = img
	}
	if len(byKey) == 0 {
		return nil, fmt.Errorf("%w in %s (no image carries a dir entity)", ErrNoFieldmaps, fmapDir)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]Group, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, *byKey[k])
	}
	return groups, nil
}

// Discover scans fmapDir and validates every group against pairs.
func (d *Discoverer) Discover(fmapDir string, pairs bids.DirectionPairs) ([]Group, error) {
	groups, err := d.Scan(fmapDir)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if err := g.Validate(pairs); err != nil {
			return nil, err
		}
	}
	return groups, nil
}
