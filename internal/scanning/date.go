package scanning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	dayFirstDate  = regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})$`)
	yearFirstDate = regexp.MustCompile(`^(\d{4})[./-](\d{1,2})[./-](\d{1,2})$`)
	wordedDate    = regexp.MustCompile(`^(\d{1,2})\s+(\p{L}+)\.?\s+(\d{4})$`)
)

// monthPrefixes maps the first three letters of a month name to its number.
var monthPrefixes = map[string]time.Month{
	"яну": time.January, "фев": time.February, "мар": time.March, "апр": time.April,
	"май": time.May, "юни": time.June, "юли": time.July, "авг": time.August,
	"сеп": time.September, "окт": time.October, "ное": time.November, "дек": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseReceiptDate turns a date as printed on a receipt into midnight UTC.
// Numeric dates are read day first, as Bulgarian receipts print them.
// Two-digit years are taken to be in the 2000s.
func ParseReceiptDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	var year, month, day int
	switch {
	case yearFirstDate.MatchString(s):
		m := yearFirstDate.FindStringSubmatch(s)
		year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
	case dayFirstDate.MatchString(s):
		m := dayFirstDate.FindStringSubmatch(s)
		day, month, year = atoi(m[1]), atoi(m[2]), atoi(m[3])
		if len(m[3]) == 3 {
			return time.Time{}, fmt.Errorf("unrecognized date %q", s)
		}
		if year < 100 {
			year += 2000
		}
	case wordedDate.MatchString(s):
		m := wordedDate.FindStringSubmatch(s)
		name := []rune(strings.ToLower(m[2]))
		if len(name) < 3 {
			return time.Time{}, fmt.Errorf("unrecognized month in %q", s)
		}
		mon, ok := monthPrefixes[string(name[:3])]
		if !ok {
			return time.Time{}, fmt.Errorf("unrecognized month in %q", s)
		}
		day, month, year = atoi(m[1]), int(mon), atoi(m[3])
	default:
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("invalid calendar date %q", s)
	}
	return t, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
