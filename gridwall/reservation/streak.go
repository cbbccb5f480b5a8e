package reservation

import "time"

// NextStreak computes the streak value after an upload at now, given the
// previous upload time and the current streak. Days are UTC calendar days:
// a second upload the same day leaves the streak unchanged, an upload the
// day after the previous one extends it, and any gap restarts at 1.
func NextStreak(prevLastUpload *time.Time, now time.Time, current int) int {
	if prevLastUpload == nil {
		return 1
	}

	prev := prevLastUpload.UTC()
	today := now.UTC()

	prevDay := time.Date(prev.Year(), prev.Month(), prev.Day(), 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)

	switch nowDay.Sub(prevDay) {
	case 0:
		if current < 1 {
			return 1
		}
		return current
	case 24 * time.Hour:
		return current + 1
	default:
		return 1
	}
}
