package nsof

import "time"

// Epoch is the origin of Newton dates.
var Epoch = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)

// TimeFromMinutes converts a Newton date, in minutes since Epoch.
func TimeFromMinutes(m int32) time.Time {
	return Epoch.Add(time.Duration(m) * time.Minute)
}

// MinutesFromTime converts t to a Newton date, truncating to the minute.
func MinutesFromTime(t time.Time) int32 {
	return int32(t.Sub(Epoch) / time.Minute)
}
