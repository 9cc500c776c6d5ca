package bids

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	cache "github.com/patrickmn/go-cache"

	"pepolar/internal/fsutil"
)

// Sidecar keys read or written by the derivation.
const (
	KeyPhaseEncodingDirection = "PhaseEncodingDirection"
	KeyTotalReadoutTime       = "TotalReadoutTime"
	KeyIntendedFor            = "IntendedFor"
)

var (
	ErrSidecarMissing   = errors.New("sidecar not found")
	ErrSidecarMalformed = errors.New("sidecar is not a JSON object")
	ErrFieldMissing     = errors.New("sidecar field missing")
	ErrFieldInvalid     = errors.New("sidecar field invalid")
)

// Sidecar is the decoded content of a JSON sidecar. Numbers are kept as
// json.Number so untouched keys round-trip without precision loss.
type Sidecar map[string]any

// SidecarPath returns the JSON sidecar next to an image: same stem, ".json".
func SidecarPath(image string) string {
	stem, _ := splitExt(image)
	return stem + ".json"
}

// PhaseEncodingDirection returns the validated PED. Absence is an error:
// the direction is never defaulted.
func (s Sidecar) PhaseEncodingDirection() (PED, error) {
	raw, ok := s[KeyPhaseEncodingDirection]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s", ErrFieldMissing, KeyPhaseEncodingDirection)
	}
	str, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, not a string", ErrFieldInvalid, KeyPhaseEncodingDirection, raw)
	}
	p, err := ParsePED(str)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFieldInvalid, err)
	}
	return p, nil
}

// TotalReadoutTime returns nil when the key is absent.
func (s Sidecar) TotalReadoutTime() (*float64, error) {
	raw, ok := s[KeyTotalReadoutTime]
	if !ok || raw == nil {
		return nil, nil
	}
	var v float64
	switch n := raw.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrFieldInvalid, KeyTotalReadoutTime, n, err)
		}
		v = f
	case float64:
		v = n
	default:
		return nil, fmt.Errorf("%w: %s is %T, not a number", ErrFieldInvalid, KeyTotalReadoutTime, raw)
	}
	return &v, nil
}

func (s Sidecar) clone() Sidecar {
	out := make(Sidecar, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Accessor reads and writes sidecars, memoizing parsed content for the
// lifetime of one derivation call. Create a fresh Accessor per invocation.
type Accessor struct {
	memo *cache.Cache
}

// NewAccessor returns an Accessor with an empty memo and no background
// expiry goroutine.
func NewAccessor() *Accessor {
	return &Accessor{memo: cache.New(cache.NoExpiration, 0)}
}

// Read returns the sidecar of image. The returned map is a copy.
func (a *Accessor) Read(image string) (Sidecar, error) {
	p := SidecarPath(image)
	if v, ok := a.memo.Get(p); ok {
		return v.(Sidecar).clone(), nil
	}
	sc, err := readSidecar(p)
	if err != nil {
		return nil, err
	}
	a.memo.Set(p, sc, cache.NoExpiration)
	return sc.clone(), nil
}

// Write replaces the sidecar at path atomically.
func (a *Accessor) Write(path string, sc Sidecar) error {
	if err := fsutil.WriteJSON(path, sc); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", path, err)
	}
	a.memo.Delete(path)
	return nil
}

// Merge overwrites only the keys in updates and preserves every other key of
// image's existing sidecar.
func (a *Accessor) Merge(image string, updates Sidecar) error {
	sc, err := a.Read(image)
	if err != nil {
		return err
	}
	for k, v := range updates {
		sc[k] = v
	}
	return a.Write(SidecarPath(image), sc)
}

// Len reports how many sidecars are memoized.
func (a *Accessor) Len() int { return a.memo.ItemCount() }

func readSidecar(path string) (Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSidecarMissing, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var sc Sidecar
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSidecarMalformed, path, err)
	}
	if sc == nil {
		return nil, fmt.Errorf("%w: %s", ErrSidecarMalformed, path)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: %s: trailing content", ErrSidecarMalformed, path)
	}
	return sc, nil
}
