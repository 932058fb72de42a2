package appointment

import "time"

// Overlaps reports whether the half-open ranges [startA, endA) and
// [startB, endB) intersect. Back-to-back ranges do not overlap, and a
// zero-length range overlaps only a range that strictly contains its instant.
func Overlaps(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && endA.After(startB)
}
