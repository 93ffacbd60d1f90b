package slurm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OverADay reports whether a runtime string carries a day component (days-hours:minutes:seconds).
func OverADay(elapsed string) bool {
	return strings.Contains(elapsed, "-")
}

// ParseElapsed converts squeue TIME values (M:SS, H:MM:SS, D-HH:MM:SS, D-HH) to a duration.
func ParseElapsed(elapsed string) (time.Duration, error) {
	s := strings.TrimSpace(elapsed)
	if s == "" {
		return 0, fmt.Errorf("empty runtime")
	}

	var days int
	if i := strings.Index(s, "-"); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid day count in %q: %w", elapsed, err)
		}
		days = d
		s = s[i+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid runtime %q", elapsed)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid runtime %q: %w", elapsed, err)
		}
		nums[i] = n
	}

	var h, m, sec int
	switch {
	case days > 0 && len(nums) == 1:
		h = nums[0]
	case len(nums) == 1:
		sec = nums[0]
	case len(nums) == 2:
		m, sec = nums[0], nums[1]
	default:
		h, m, sec = nums[0], nums[1], nums[2]
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second
	return total, nil
}
