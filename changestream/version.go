package changestream

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a MongoDB server version.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses versions such as "8.0.14" or "7.0.2-rc1". Missing
// minor or patch components are zero.
func ParseVersion(s string) (Version, error) {
	core, _, _ := strings.Cut(strings.TrimSpace(s), "-")
	parts := strings.Split(core, ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid server version %q", s)
	}

	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid server version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// naturalOrderSince lists, per 8.x minor version, the first patch release
// that resumes natural order scans correctly. Minor versions missing here
// never do, except that 8.3 and later always do.
var naturalOrderSince = map[int]int{
	0: 14,
	2: 1,
}

// SupportsNaturalOrderScan reports whether a server of version v can run a
// resumable natural order collection scan.
func SupportsNaturalOrderScan(v Version) bool {
	switch {
	case v.Major >= 9:
		return true
	case v.Major != 8:
		return false
	case v.Minor >= 3:
		return true
	}
	patch, ok := naturalOrderSince[v.Minor]
	return ok && v.Patch >= patch
}
