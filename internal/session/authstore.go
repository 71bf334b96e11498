package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	credsFile      = "creds.json"
	fragmentPrefix = "session-"
)

var fragmentSuffix = regexp.MustCompile(`(\.\d+)?\.json$`)

// CleanupReport lists what a cleanup pass removed.
type CleanupReport struct {
	RemovedFragments []string
	RemovedCreds     bool
}

// CleanAuthDir removes duplicate credential fragments (keeping the newest per
// identifier) and deletes the primary credential blob when it is not valid
// JSON. A missing directory is not an error. Errors on individual files are
// joined and returned alongside the partial report.
func CleanAuthDir(dir string) (CleanupReport, error) {
	var report CleanupReport

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, fmt.Errorf("session: read auth dir: %w", err)
	}

	type fragment struct {
		name    string
		modTime time.Time
	}
	groups := make(map[string][]fragment)
	var errs []error

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, fragmentPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		id := fragmentIdentifier(name)
		groups[id] = append(groups[id], fragment{name: name, modTime: info.ModTime()})
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		frags := groups[id]
		if len(frags) < 2 {
			continue
		}
		sort.SliceStable(frags, func(i, j int) bool {
			return frags[i].modTime.After(frags[j].modTime)
		})
		for _, stale := range frags[1:] {
			if err := os.Remove(filepath.Join(dir, stale.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			report.RemovedFragments = append(report.RemovedFragments, stale.name)
		}
	}

	credsPath := filepath.Join(dir, credsFile)
	raw, err := os.ReadFile(credsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		errs = append(errs, err)
	case !json.Valid(raw):
		if err := os.Remove(credsPath); err != nil {
			errs = append(errs, err)
		} else {
			report.RemovedCreds = true
		}
	}

	return report, errors.Join(errs...)
}

// fragmentIdentifier maps "session-<id>.<n>.json" and "session-<id>.json" to <id>.
func fragmentIdentifier(name string) string {
	id := strings.TrimPrefix(name, fragmentPrefix)
	return fragmentSuffix.ReplaceAllString(id, "")
}
