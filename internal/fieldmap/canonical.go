package fieldmap

import (
	"fmt"
	"path/filepath"

	"pepolar/internal/bids"
)

// Canonical is the single existing fieldmap of an incomplete group.
type Canonical struct {
	Path  string
	Label string
	Name  bids.Filename
	PED   bids.PED

	// TotalReadoutTime is nil when the sidecar does not carry one.
	TotalReadoutTime *float64
}

// LoadCanonical reads the sidecar of the group's only image. The phase
// encoding direction is required; a malformed readout time is an error.
func LoadCanonical(acc *bids.Accessor, g Group) (Canonical, error) {
	labels := g.Labels()
	if len(labels) != 1 {
		return Canonical{}, fmt.Errorf("%w: %s has %d directions, want exactly one", ErrAmbiguousGroup, g.Key, len(labels))
	}
	label := labels[0]
	path := g.Directions[label]

	name, err := bids.ParseFilename(filepath.Base(path))
	if err != nil {
		return Canonical{}, err
	}
	sc, err := acc.Read(path)
	if err != nil {
		return Canonical{}, fmt.Errorf("%w: %v", ErrSidecar, err)
	}
	ped, err := sc.PhaseEncodingDirection()
	if err != nil {
		return Canonical{}, fmt.Errorf("%w: %s: %v", ErrSidecar, bids.SidecarPath(path), err)
	}
	trt, err := sc.TotalReadoutTime()
	if err != nil {
		return Canonical{}, fmt.Errorf("%w: %s: %v", ErrSidecar, bids.SidecarPath(path), err)
	}
	return Canonical{Path: path, Label: label, Name: name, PED: ped, TotalReadoutTime: trt}, nil
}

// DerivedName is the canonical filename with the dir entity replaced.
func (c Canonical) DerivedName(missingLabel string) string {
	return c.Name.With(bids.EntityDirection, missingLabel).String()
}
