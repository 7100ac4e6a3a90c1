package cohort

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/monitoring"
)

// ScanDataset walks a dataset root and returns every subject/session unit
// that has a located reference-modality image, together with the first
// match for each requested optional modality. Units without a reference
// image are dropped silently; absence is expected in heterogeneous
// datasets. The derivatives tree is never scanned.
//
// The root may also be a single subject directory ("sub-*"), in which case
// only that subject is indexed.
func ScanDataset(fs fsutil.FileSystem, root, refTag string, modalities []string) ([]Case, error) {
	root = filepath.Clean(root)
	if !fs.Exists(root) {
		return nil, fmt.Errorf("dataset root %s does not exist", root)
	}

	var subjectDirs []string
	if _, ok := ParseSubjectDir(filepath.Base(root)); ok {
		subjectDirs = []string{root}
	} else {
		dirs, err := fs.Glob(filepath.Join(root, "sub-*"))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
		for _, d := range dirs {
			if fi, err := fs.Stat(d); err == nil && fi.IsDir() {
				subjectDirs = append(subjectDirs, d)
			}
		}
	}

	var cases []Case
	for _, subjDir := range subjectDirs {
		subject, ok := ParseSubjectDir(filepath.Base(subjDir))
		if !ok {
			continue
		}

		sessionDirs, err := fs.Glob(filepath.Join(subjDir, "ses-*"))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", subjDir, err)
		}
		var units []scanUnit
		for _, sd := range sessionDirs {
			fi, err := fs.Stat(sd)
			if err != nil || !fi.IsDir() {
				continue
			}
			session, ok := ParseSessionDir(filepath.Base(sd))
			if !ok {
				continue
			}
			units = append(units, scanUnit{dir: sd, session: session})
		}
		if len(units) == 0 {
			// No session level: the subject directory itself is the unit.
			units = []scanUnit{{dir: subjDir, session: CanonicalSession, sessionless: true}}
		}

		for _, u := range units {
			id := CaseID{Subject: subject, Session: u.session}
			c, found, err := indexUnit(fs, u.dir, id, u.sessionless, refTag, modalities)
			if err != nil {
				return nil, err
			}
			if !found {
				monitoring.Skipf(id.Prefix(u.sessionless), "no %s image found", refTag)
				continue
			}
			cases = append(cases, c)
		}
	}

	sort.Slice(cases, func(i, j int) bool {
		if cases[i].ID.Subject != cases[j].ID.Subject {
			return cases[i].ID.Subject < cases[j].ID.Subject
		}
		return cases[i].ID.Session < cases[j].ID.Session
	})
	return cases, nil
}

type scanUnit struct {
	dir         string
	session     string
	sessionless bool
}

// indexUnit locates the reference image and optional modalities for one
// subject/session unit. Image files may live directly in the unit
// directory or in an "anat" subdirectory.
func indexUnit(fs fsutil.FileSystem, dir string, id CaseID, sessionless bool, refTag string, modalities []string) (Case, bool, error) {
	files, err := unitImages(fs, dir)
	if err != nil {
		return Case{}, false, err
	}

	prefix := id.Prefix(sessionless)
	ref := firstMatch(files, prefix, refTag)
	if ref == "" {
		return Case{}, false, nil
	}

	c := Case{
		ID:          id,
		Sessionless: sessionless,
		RefImage:    ref,
		Modalities:  make(map[string]string, len(modalities)),
	}
	for _, mod := range modalities {
		// First match wins; duplicate candidates are a user-data problem.
		if p := firstMatch(files, prefix, mod); p != "" {
			c.Modalities[mod] = p
		}
	}
	return c, true, nil
}

// unitImages lists NIfTI files in dir and dir/anat, sorted.
func unitImages(fs fsutil.FileSystem, dir string) ([]string, error) {
	var files []string
	for _, d := range []string{dir, filepath.Join(dir, "anat")} {
		matches, err := fs.Glob(filepath.Join(d, "*.nii*"))
		if err != nil {
			return nil, fmt.Errorf("list images in %s: %w", d, err)
		}
		for _, m := range matches {
			if strings.HasSuffix(m, ".nii") || strings.HasSuffix(m, ".nii.gz") {
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func firstMatch(files []string, prefix, tag string) string {
	for _, f := range files {
		if MatchesImage(filepath.Base(f), prefix, tag) {
			return f
		}
	}
	return ""
}
