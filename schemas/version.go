package schemas

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// LatestMajor is the highest major schema version registered by a schema package.
var LatestMajor = 0

func RegisterSchema(major int) {
	if major > LatestMajor {
		LatestMajor = major
	}
}

type Config struct {
	SchemaName string // name of the postgresql schema in which the deal tables are created
}

// A Version identifies an installed schema: the major version selects the base template and the patch counts
// the migrations applied on top of it.
type Version struct {
	Major int
	Patch int
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Patch)
}

// Before reports whether v should be ordered before o.
func (v Version) Before(o Version) bool {
	return Compare(v, o) < 0
}

// Compare returns -1 if a < b, +1 if a > b and 0 if the versions are equal.
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		if a.Major < b.Major {
			return -1
		}
		return 1
	case a.Patch < b.Patch:
		return -1
	case a.Patch > b.Patch:
		return 1
	}
	return 0
}

func ParseVersion(s string) (Version, error) {
	major, patch, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(patch, ".") {
		return Version{}, xerrors.Errorf("invalid version format: expected major.patch, got %q", s)
	}

	var (
		v   Version
		err error
	)
	if v.Major, err = strconv.Atoi(major); err != nil {
		return Version{}, xerrors.Errorf("invalid major version: %w", err)
	}
	if v.Patch, err = strconv.Atoi(patch); err != nil {
		return Version{}, xerrors.Errorf("invalid patch version: %w", err)
	}
	return v, nil
}
