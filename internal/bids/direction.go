package bids

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PED is a signed phase-encoding direction token as stored in the
// PhaseEncodingDirection sidecar field.
type PED string

const (
	PEDIPos PED = "i"
	PEDINeg PED = "i-"
	PEDJPos PED = "j"
	PEDJNeg PED = "j-"
	PEDKPos PED = "k"
	PEDKNeg PED = "k-"
)

var ErrInvalidPED = errors.New("invalid phase encoding direction")

// ParsePED accepts exactly one of the six signed-axis tokens.
func ParsePED(s string) (PED, error) {
	p := PED(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q (expected one of i, i-, j, j-, k, k-)", ErrInvalidPED, s)
	}
	return p, nil
}

// Valid reports whether p is one of the six signed-axis tokens.
func (p PED) Valid() bool {
	switch p {
	case PEDIPos, PEDINeg, PEDJPos, PEDJNeg, PEDKPos, PEDKNeg:
		return true
	default:
		return false
	}
}

// Axis returns the unsigned axis ("i", "j" or "k").
func (p PED) Axis() string { return strings.TrimSuffix(string(p), "-") }

// Negative reports whether the direction carries the minus sign.
func (p PED) Negative() bool { return strings.HasSuffix(string(p), "-") }

// Opposite flips the sign and keeps the axis.
func (p PED) Opposite() PED {
	if p.Negative() {
		return PED(p.Axis())
	}
	return PED(string(p) + "-")
}

func (p PED) String() string { return string(p) }

// DirectionPairs maps a direction label (the value of the dir entity) to
// its opposite. The relation is symmetric.
type DirectionPairs struct {
	opposite map[string]string
}

// DefaultPairs is AP<->PA and LR<->RL.
var DefaultPairs = [][2]string{{"AP", "PA"}, {"LR", "RL"}}

// NewDirectionPairs builds a symmetric lookup. A label may appear in one pair
// only and may not be paired with itself.
func NewDirectionPairs(pairs [][2]string) (DirectionPairs, error) {
	d := DirectionPairs{opposite: make(map[string]string, 2*len(pairs))}
	for _, p := range pairs {
		a, b := strings.TrimSpace(p[0]), strings.TrimSpace(p[1])
		if a == "" || b == "" {
			return DirectionPairs{}, fmt.Errorf("direction pair %q/%q: empty label", p[0], p[1])
		}
		if a == b {
			return DirectionPairs{}, fmt.Errorf("direction pair %q/%q: label paired with itself", a, b)
		}
		for _, l := range []string{a, b} {
			if _, dup := d.opposite[l]; dup {
				return DirectionPairs{}, fmt.Errorf("direction label %q appears in more than one pair", l)
			}
		}
		d.opposite[a] = b
		d.opposite[b] = a
	}
	return d, nil
}

// DefaultDirectionPairs returns the AP/PA and LR/RL table.
func DefaultDirectionPairs() DirectionPairs {
	d, err := NewDirectionPairs(DefaultPairs)
	if err != nil {
		panic(err)
	}
	return d
}

// Opposite returns the configured opposite of label.
func (d DirectionPairs) Opposite(label string) (string, bool) {
	o, ok := d.opposite[label]
	return o, ok
}

// AreOpposite reports whether a and b form a configured pair.
func (d DirectionPairs) AreOpposite(a, b string) bool {
	o, ok := d.opposite[a]
	return ok && o == b
}

// Labels returns every configured label, sorted.
func (d DirectionPairs) Labels() []string {
	out := make([]string, 0, len(d.opposite))
	for l := range d.opposite {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
