// Package affinity binds a worker to a set of CPUs.
package affinity

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned by Bind on platforms without
// CPU affinity support.
var ErrUnsupported = errors.New("cpu affinity is not supported on this platform")

// ParseCPUList parses a list such as "0-3,8,10-11" into
// sorted, distinct CPU indices.
func ParseCPUList(s string) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errors.Errorf("empty entry in cpu list %q", s)
		}
		first, last := part, part
		if idx := strings.Index(part, "-"); idx >= 0 {
			first, last = part[:idx], part[idx+1:]
		}
		start, err := strconv.Atoi(first)
		if err != nil {
			return nil, errors.Wrapf(err, "cpu list %q", s)
		}
		end, err := strconv.Atoi(last)
		if err != nil {
			return nil, errors.Wrapf(err, "cpu list %q", s)
		}
		if start < 0 || end < start {
			return nil, errors.Errorf("invalid cpu range %q", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			seen[cpu] = true
		}
	}
	res := make([]int, 0, len(seen))
	for cpu := range seen {
		res = append(res, cpu)
	}
	sort.Ints(res)
	return res, nil
}
