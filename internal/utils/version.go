package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^v?\d+(\.\d+)*([-+][0-9A-Za-z.\-]+)?$`)

// ValidateVersion checks that a version is a dotted numeric build (e.g., 1.17.551).
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version format: %q", version)
	}
	return nil
}

// CompareVersions compares dot-separated versions segment by segment.
// Numeric segments compare as integers; if either side of a segment is not
// numeric the pair is compared lexicographically. Missing segments count as 0.
// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	v1 = strings.TrimPrefix(strings.TrimSpace(v1), "v")
	v2 = strings.TrimPrefix(strings.TrimSpace(v2), "v")

	parts1 := strings.Split(v1, ".")
	parts2 := strings.Split(v2, ".")

	n := max(len(parts1), len(parts2))
	for i := 0; i < n; i++ {
		s1, s2 := "0", "0"
		if i < len(parts1) {
			s1 = parts1[i]
		}
		if i < len(parts2) {
			s2 = parts2[i]
		}
		if c := compareSegment(s1, s2); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(s1, s2 string) int {
	n1, err1 := strconv.ParseUint(s1, 10, 64)
	n2, err2 := strconv.ParseUint(s2, 10, 64)
	if err1 == nil && err2 == nil {
		switch {
		case n1 < n2:
			return -1
		case n1 > n2:
			return 1
		}
		return 0
	}
	return strings.Compare(s1, s2)
}
