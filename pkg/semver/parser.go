// Package semver parses adapter references and compares adapter versions.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// AdapterRef is a parsed adapter reference such as "email@^1.2.0".
type AdapterRef struct {
	// Adapter type name (e.g., "email")
	Name string
	// Version range if specified (e.g., "^1.2.0", "1", ""); empty string means any version
	Range string
	// Raw input string
	Raw string
}

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// ParseAdapterRef parses an adapter reference.
//
// Supported formats:
//   - email           (any version)
//   - email@1         (major only)
//   - email@1.2.3     (exact version)
//   - email@^1.2.0    (caret range)
//   - email@~1.2.0    (tilde range)
//   - email@>=1.0.0   (comparison range)
//
// An "adapter." prefix is accepted and stripped, so identifier strings work too.
func ParseAdapterRef(input string) (*AdapterRef, error) {
	raw := strings.TrimSpace(input)

	name, rangeStr, hasAt := strings.Cut(raw, "@")
	name = strings.TrimPrefix(name, "adapter.")
	if name == "" {
		return nil, fmt.Errorf("%s - invalid adapter reference, missing name: %q", logPrefix, raw)
	}
	if hasAt && rangeStr == "" {
		return nil, fmt.Errorf("%s - invalid adapter reference, empty range: %q", logPrefix, raw)
	}

	return &AdapterRef{
		Name:  name,
		Range: rangeStr,
		Raw:   raw,
	}, nil
}

// String renders the reference back to "name[@range]".
func (r AdapterRef) String() string {
	return BuildAdapterRef(r.Name, r.Range)
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// BuildAdapterRef builds "name[@version]".
func BuildAdapterRef(name, version string) string {
	if version != "" {
		return name + "@" + version
	}
	return name
}
