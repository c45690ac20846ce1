package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// ParseVersion parses a semantic version. An empty string is 0.0.0.
func ParseVersion(version string) (*masterminds.Version, error) {
	if version == "" {
		version = "0.0.0"
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	return v, nil
}

// IsNewer reports whether candidate is strictly greater than current.
func IsNewer(candidate, current string) (bool, error) {
	c, err := ParseVersion(candidate)
	if err != nil {
		return false, err
	}
	cur, err := ParseVersion(current)
	if err != nil {
		return false, err
	}
	return c.GreaterThan(cur), nil
}

// SatisfiesRange checks if a version string satisfies a range. An empty range matches
// every valid version.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := ParseVersion(version)
	if err != nil {
		return false
	}
	if rangeStr == "" {
		return true
	}
	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}
