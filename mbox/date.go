package mbox

import (
	"strings"
	"time"
)

var fromPrefix = []byte("From ")

var weekdays = map[string]bool{
	"Mon": true, "Tue": true, "Wed": true, "Thu": true, "Fri": true, "Sat": true, "Sun": true,
}

var months = map[string]bool{
	"Jan": true, "Feb": true, "Mar": true, "Apr": true, "May": true, "Jun": true,
	"Jul": true, "Aug": true, "Sep": true, "Oct": true, "Nov": true, "Dec": true,
}

// delimiter is a parsed "From sender date" line.
type delimiter struct {
	sender string
	date   time.Time
	// dated is false when the date passed the grammar check but could not
	// be turned into a time (an impossible day, for instance).
	dated bool
}

// parseDelimiter checks line against the ctime-style grammar
//
//	From sender Www Mmm dd hh:mm[:ss] [zone] yyyy [zone] [remote from host]
//
// and reports whether it is a message delimiter.
func parseDelimiter(line []byte) (delimiter, bool) {
	if len(line) < len(fromPrefix) || string(line[:len(fromPrefix)]) != string(fromPrefix) {
		return delimiter{}, false
	}
	fields := strings.Fields(string(line[len(fromPrefix):]))
	if n := len(fields); n > 3 && fields[n-3] == "remote" && fields[n-2] == "from" {
		fields = fields[:n-3]
	}

	// The sender may itself contain spaces, so find the weekday from the left.
	at := -1
	for i := 1; i+1 < len(fields); i++ {
		if weekdays[fields[i]] && months[fields[i+1]] {
			at = i
			break
		}
	}
	if at < 0 {
		return delimiter{}, false
	}
	d := delimiter{sender: strings.Join(fields[:at], " ")}
	rest := fields[at:]

	var wday, mon, day, clock, year, zone string
	switch len(rest) {
	case 5:
		wday, mon, day, clock, year = rest[0], rest[1], rest[2], rest[3], rest[4]
	case 6:
		wday, mon, day, clock = rest[0], rest[1], rest[2], rest[3]
		if isYear(rest[4]) {
			year, zone = rest[4], rest[5]
		} else {
			zone, year = rest[4], rest[5]
		}
	default:
		return delimiter{}, false
	}
	if !isDay(day) || !isClock(clock) || !isYear(year) || (zone != "" && !isZone(zone)) {
		return delimiter{}, false
	}

	layout := "Mon Jan 2 15:04"
	if len(clock) == 8 {
		layout += ":05"
	}
	value := wday + " " + mon + " " + day + " " + clock
	switch {
	case zone == "":
	case zone[0] == '+' || zone[0] == '-':
		layout += " -0700"
		value += " " + zone
	default:
		layout += " MST"
		value += " " + zone
	}
	layout += " 2006"
	value += " " + year

	if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
		d.date, d.dated = t, true
	}
	return d, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isDay(s string) bool { return len(s) <= 2 && isDigits(s) }

func isYear(s string) bool { return len(s) == 4 && isDigits(s) }

// isClock accepts hh:mm and hh:mm:ss.
func isClock(s string) bool {
	switch len(s) {
	case 5:
		return isDigits(s[:2]) && s[2] == ':' && isDigits(s[3:])
	case 8:
		return isDigits(s[:2]) && s[2] == ':' && isDigits(s[3:5]) && s[5] == ':' && isDigits(s[6:])
	}
	return false
}

func isZone(s string) bool {
	if len(s) == 5 && (s[0] == '+' || s[0] == '-') {
		return isDigits(s[1:])
	}
	if len(s) < 3 || len(s) > 5 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// formatDelimiter renders a delimiter line in ctime form.
func formatDelimiter(sender string, t time.Time) string {
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	return "From " + sender + " " + t.In(time.Local).Format(time.ANSIC) + "\n"
}
