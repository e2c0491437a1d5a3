package telemetry

import "time"

// IST is the fixed +05:30 offset every boundary timestamp is rendered in.
var IST = time.FixedZone("Asia/Kolkata", 5*60*60+30*60)

// FormatIST renders t as RFC 3339 in the +05:30 offset.
// The zero time renders as an empty string.
func FormatIST(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(IST).Format(time.RFC3339)
}

// FormatISTPtr is FormatIST for optional timestamps; nil stays nil.
func FormatISTPtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := FormatIST(*t)
	return &s
}

// ParseIST parses a boundary timestamp produced by FormatIST.
func ParseIST(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(IST), nil
}
