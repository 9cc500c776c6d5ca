package bids

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// URIPrefix is the BIDS URI scheme used for dataset-relative references.
const URIPrefix = "bids::"

// SubjectSession identifies one scanning session. Session is empty for
// datasets without a session level.
type SubjectSession struct {
	Root    string
	Subject string
	Session string
}

// Dir is the session directory: <root>/sub-<label>[/ses-<label>].
func (s SubjectSession) Dir() string {
	d := filepath.Join(s.Root, "sub-"+s.Subject)
	if s.Session != "" {
		d = filepath.Join(d, "ses-"+s.Session)
	}
	return d
}

// FmapDir is the fieldmap folder of the session.
func (s SubjectSession) FmapDir() string { return filepath.Join(s.Dir(), "fmap") }

// FuncDir is the functional folder of the session.
func (s SubjectSession) FuncDir() string { return filepath.Join(s.Dir(), "func") }

// String renders "sub-01" or "sub-01/ses-1".
func (s SubjectSession) String() string {
	if s.Session == "" {
		return "sub-" + s.Subject
	}
	return "sub-" + s.Subject + "/ses-" + s.Session
}

// RelPath returns p relative to the dataset root with forward slashes.
func (s SubjectSession) RelPath(p string) (string, error) {
	rel, err := filepath.Rel(s.Root, p)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%q is outside dataset root %q", p, s.Root)
	}
	return path.Clean(rel), nil
}

// DiscoverSessions lists sub-*/[ses-*] directories under root. Empty filters
// select everything; labels are given without their "sub-"/"ses-" prefix.
//
// A subject with no ses-* folders yields a single session-less entry.
func DiscoverSessions(root string, subjects, sessions []string) ([]SubjectSession, error) {
	subs, err := labelledDirs(root, "sub-")
	if err != nil {
		return nil, fmt.Errorf("listing subjects in %s: %w", root, err)
	}
	subs = filterLabels(subs, subjects)

	var out []SubjectSession
	for _, sub := range subs {
		sess, err := labelledDirs(filepath.Join(root, "sub-"+sub), "ses-")
		if err != nil {
			return nil, fmt.Errorf("listing sessions of sub-%s: %w", sub, err)
		}
		if len(sess) == 0 {
			if len(sessions) == 0 {
				out = append(out, SubjectSession{Root: root, Subject: sub})
			}
			continue
		}
		for _, ses := range filterLabels(sess, sessions) {
			out = append(out, SubjectSession{Root: root, Subject: sub, Session: ses})
		}
	}
	return out, nil
}

func labelledDirs(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		labels = append(labels, strings.TrimPrefix(name, prefix))
	}
	sort.Strings(labels)
	return labels, nil
}

func filterLabels(labels, want []string) []string {
	if len(want) == 0 {
		return labels
	}
	keep := make(map[string]struct{}, len(want))
	for _, w := range want {
		keep[w] = struct{}{}
	}
	out := labels[:0:0]
	for _, l := range labels {
		if _, ok := keep[l]; ok {
			out = append(out, l)
		}
	}
	return out
}
