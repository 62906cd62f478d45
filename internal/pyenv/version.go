package pyenv

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Version is a dotted interpreter version.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v >= min.
func (v Version) AtLeast(min Version) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	if v.Minor != min.Minor {
		return v.Minor > min.Minor
	}
	return v.Patch >= min.Patch
}

// ParseVersion extracts the first dotted version from s. It accepts "3.11",
// "3.11.4", "Python 3.12.0rc1" and the like.
func ParseVersion(s string) (Version, error) {
	for _, field := range strings.Fields(s) {
		if field == "" || !unicode.IsDigit(rune(field[0])) {
			continue
		}
		parts := strings.SplitN(field, ".", 3)
		nums := make([]int, 3)
		ok := true
		for i, part := range parts {
			digits := part
			if end := strings.IndexFunc(digits, func(r rune) bool { return !unicode.IsDigit(r) }); end >= 0 {
				digits = digits[:end]
			}
			n, err := strconv.Atoi(digits)
			if err != nil {
				ok = false
				break
			}
			nums[i] = n
		}
		if ok && len(parts) >= 2 {
			return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
		}
	}
	return Version{}, fmt.Errorf("no version found in %q", strings.TrimSpace(s))
}
