package bids

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExtensions are the NIfTI flavours considered images.
var imageExtensions = []string{".nii.gz", ".nii"}

// ImageResolver lists the images with a given suffix in one folder.
//
// Listing is strictly sorted by file name and independent of the order the
// filesystem returns entries in.
type ImageResolver struct {
	Dir string
}

// NewImageResolver creates an ImageResolver rooted at dir.
func NewImageResolver(dir string) *ImageResolver {
	return &ImageResolver{Dir: dir}
}

// Resolve returns absolute paths of "*_<suffix>.nii[.gz]" files in Dir.
// A missing Dir is reported with an error satisfying os.IsNotExist.
func (r *ImageResolver) Resolve(suffix string) ([]string, error) {
	info, err := os.Stat(r.Dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", r.Dir)
	}

	pathSet := make(map[string]struct{})
	for _, ext := range imageExtensions {
		matches, err := filepath.Glob(filepath.Join(r.Dir, "*_"+suffix+ext))
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern: %w", err)
		}
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("stat %q: %w", m, err)
			}
			if fi.IsDir() {
				continue
			}
			pathSet[m] = struct{}{}
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
	return paths, nil
}

// IsImage reports whether name carries a NIfTI extension.
func IsImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
