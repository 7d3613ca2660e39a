package fatengine

import (
	"time"
)

// ParseDate reads the given input as a FAT date:
//  Bits 0–4: Day of month, valid value range 1- 31 inclusive.
//  Bits 5–8: Month of year, 1 = January, valid value range 1–12 inclusive.
//  Bits 9–15: Count of years from 1980, valid value range 0–127 inclusive
//  (1980–2107).
// It returns a time.Time which has always a time of 00:00:00.000000000 UTC.
//
// As value 0 for day and month is invalid, time.Time{} is returned in that case to be
// compatible with time.Time.IsZero().
//
// Note that monthOfYear may be bigger than 12 which is unspecified. In this case the year gets incremented by one.
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime reads the given input as a FAT time with a granularity of 2 seconds:
//  Bits 0–4: 2- second count, valid value range 0–29 inclusive (0 – 58 seconds).
//  Bits 5–10: Minutes, valid value range 0–59 inclusive.
//  Bits 11–15: Hours, valid value range 0–23 inclusive.
// It returns a time.Time which has always a date of of January 1, year 1.
//
// Note that bigger values than the valid ones are just added to the time. But this is limited to 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)

	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

// FormatDate is the inverse of ParseDate. Dates before 1980 are stored as 0 and dates after 2107
// are clamped to the last representable day.
func FormatDate(t time.Time) uint16 {
	if t.IsZero() {
		return 0
	}
	t = t.UTC()
	if t.Year() < 1980 {
		return 0
	}
	if t.Year() > 2107 {
		return 127<<9 | 12<<5 | 31
	}

	return uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// FormatTime is the inverse of ParseTime. Odd seconds are rounded down.
func FormatTime(t time.Time) uint16 {
	if t.IsZero() {
		return 0
	}
	t = t.UTC()
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

// parseTimestamp combines a date, a time and the optional tenth field (count of 10ms units,
// 0-199) of a directory entry.
func parseTimestamp(date, tm uint16, tenth byte) time.Time {
	d := ParseDate(date)
	if d.IsZero() {
		return time.Time{}
	}
	c := ParseTime(tm)
	ms := int(tenth%200) * 10
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC).
		Add(time.Duration(ms) * time.Millisecond)
}

// formatTenth returns the part of t which does not fit into the 2 second granularity of
// FormatTime in 10ms units.
func formatTenth(t time.Time) byte {
	if t.IsZero() {
		return 0
	}
	t = t.UTC()
	return byte((t.Second()%2)*100 + t.Nanosecond()/int(10*time.Millisecond))
}
