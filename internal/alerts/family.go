package alerts

import (
	"fmt"
	"time"
)

// FamilyKey groups deals that represent the same opportunity: the route
// plus the departure date floored to a bucket of bucketDays days. With
// bucketDays <= 0 the key is the route alone.
func FamilyKey(d Deal, bucketDays int) string {
	r := d.Origin + "-" + d.Destination
	if bucketDays <= 0 {
		return r
	}
	day := dateOnly(d.DepartureDate)
	days := int(day.Unix() / 86400)
	start := days - mod(days, bucketDays)
	bucket := time.Unix(int64(start)*86400, 0).UTC()
	return fmt.Sprintf("%s@%s", r, bucket.Format(time.DateOnly))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mod(a, b int) int {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}
