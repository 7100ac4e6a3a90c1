// Package cohort discovers and filters the subject/session units of a
// BIDS-like dataset. It is the single source of truth for which cases
// participate in the pipeline: the scan produces immutable Case values,
// Select reduces them to the selected set, and GroupForSession partitions
// them for template construction and averaging.
package cohort

import (
	"fmt"
	"strconv"
	"strings"
)

// CanonicalSession is the session id assigned when a dataset has no
// session level. Session-less cases compare equal to an explicit
// allow-list entry of "1".
const CanonicalSession = "1"

// CaseID identifies one subject/session processing unit. Identity is
// carried in filenames throughout the derivatives tree, so the string
// forms below are load-bearing: every stage output and transform file
// embeds one of them.
type CaseID struct {
	Subject string // label without the "sub-" prefix
	Session string // label without the "ses-" prefix; CanonicalSession when implied
}

// String returns the session-qualified case identifier, e.g. "sub-01_ses-02".
func (id CaseID) String() string {
	return fmt.Sprintf("sub-%s_ses-%s", id.Subject, id.Session)
}

// SubjectOnly returns the session-agnostic identifier, e.g. "sub-01".
// Transform resolution falls back to this form when no session-qualified
// file exists.
func (id CaseID) SubjectOnly() string {
	return "sub-" + id.Subject
}

// Prefix returns the filename prefix images of this case carry:
// the session-qualified form when the dataset has session directories,
// the subject-only form otherwise.
func (id CaseID) Prefix(sessionless bool) string {
	if sessionless {
		return id.SubjectOnly()
	}
	return id.String()
}

// ParseSubjectDir extracts the subject label from a "sub-<label>"
// directory name. Returns false for anything else.
func ParseSubjectDir(name string) (string, bool) {
	label, ok := strings.CutPrefix(name, "sub-")
	if !ok || label == "" {
		return "", false
	}
	return label, true
}

// ParseSessionDir extracts the session label from a "ses-<label>"
// directory name. Returns false for anything else.
func ParseSessionDir(name string) (string, bool) {
	label, ok := strings.CutPrefix(name, "ses-")
	if !ok || label == "" {
		return "", false
	}
	return label, true
}

// SessionIndex parses a session label as a positive integer index.
// Labels are commonly zero-padded ("01"); padding is ignored.
// Returns 0 and false for non-numeric or non-positive labels.
func SessionIndex(session string) (int, bool) {
	n, err := strconv.Atoi(session)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// StripImageExt removes a trailing .nii or .nii.gz from a filename.
func StripImageExt(name string) string {
	if strings.HasSuffix(name, ".nii.gz") {
		return name[:len(name)-len(".nii.gz")]
	}
	if strings.HasSuffix(name, ".nii") {
		return name[:len(name)-len(".nii")]
	}
	return name
}

// MatchesImage reports whether filename is an image for the given case
// prefix and contrast tag: it must start with the prefix and its basename
// (extension stripped) must end with "_<tag>".
func MatchesImage(filename, prefix, tag string) bool {
	if !strings.HasPrefix(filename, prefix) {
		return false
	}
	base := StripImageExt(filename)
	return strings.HasSuffix(base, "_"+tag)
}

// Case is one immutable subject/session unit located during the dataset
// scan. RefImage is always set; Modalities holds the first located image
// per requested optional modality and omits modalities with no match.
type Case struct {
	ID          CaseID
	Sessionless bool
	RefImage    string
	Modalities  map[string]string
}

// HasModality reports whether an optional modality image was located.
func (c Case) HasModality(name string) bool {
	_, ok := c.Modalities[name]
	return ok
}
