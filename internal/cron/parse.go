// Package cron parses reminder requests and fires due reminders through the
// channel that owns them.
package cron

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/batalabs/masix/internal/domain"
)

// ErrAmbiguousSchedule wraps every rejection of a reminder request.
var ErrAmbiguousSchedule = errors.New("ambiguous schedule")

// Parsed is a validated reminder request.
type Parsed struct {
	// Schedule is an RFC3339 instant for one-shot reminders or a 5-field
	// cron expression for recurring ones.
	Schedule  string
	Recurring bool
	NextRun   time.Time
	Timezone  string
	Message   string
	// Channel and Recipient are set only when the request names a target.
	Channel   string
	Recipient string
}

// defaultHour is used by day phrases without an explicit time.
const defaultHour = 12

const atClause = `(?:alle(?:\s+ore)?|at)\s+(\d{1,2})(?:[:.](\d{2}))?`

var (
	quotedRe   = regexp.MustCompile(`"([^"]*)"|“([^”]*)”`)
	targetRe   = regexp.MustCompile(`(?i)\b(telegram|sms|whatsapp)\s+(?:a|al|allo|alla|ai|to)\s+(\S+)`)
	fillerRe   = regexp.MustCompile(`^(?:ricordami|promemoria|remind\s+me)(?:\s+(?:di|to)\b|\s*:)?\s*`)
	relativeRe = regexp.MustCompile(`^(?:tra|fra|in)\s+(\d+)\s*(minuti|minuto|min|minutes|minute|mins|ore|ora|hours|hour|h|giorni|giorno|days|day)\b`)
	dayRe      = regexp.MustCompile(`^(oggi|today|domani|tomorrow|dopodomani)\b(?:\s+` + atClause + `)?`)
	everyRe    = regexp.MustCompile(`^(?:ogni|every)\s+(\p{L}+)\s+` + atClause)
	dateRe     = regexp.MustCompile(`^(?:il|on)\s+(\d{1,2})\s+(\p{L}+)(?:\s+(\d{4}))?(?:\s+` + atClause + `)?`)
	rfc3339Re  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}t\S+)`)
	cronExprRe = regexp.MustCompile(`^([0-9*][0-9*/,\-]*(?:\s+[0-9a-z*?][0-9a-z*/,\-?]*){4})(?:\s|$)`)
)

var weekdays = map[string]string{
	"lunedì": "1", "lunedi": "1", "monday": "1",
	"martedì": "2", "martedi": "2", "tuesday": "2",
	"mercoledì": "3", "mercoledi": "3", "wednesday": "3",
	"giovedì": "4", "giovedi": "4", "thursday": "4",
	"venerdì": "5", "venerdi": "5", "friday": "5",
	"sabato": "6", "saturday": "6",
	"domenica": "0", "sunday": "0",
	"giorno": "*", "day": "*",
}

var months = map[string]time.Month{
	"gennaio": time.January, "january": time.January, "jan": time.January,
	"febbraio": time.February, "february": time.February, "feb": time.February,
	"marzo": time.March, "march": time.March, "mar": time.March,
	"aprile": time.April, "april": time.April, "apr": time.April,
	"maggio": time.May, "may": time.May,
	"giugno": time.June, "june": time.June, "jun": time.June,
	"luglio": time.July, "july": time.July, "jul": time.July,
	"agosto": time.August, "august": time.August, "aug": time.August,
	"settembre": time.September, "september": time.September, "sep": time.September,
	"ottobre": time.October, "october": time.October, "oct": time.October,
	"novembre": time.November, "november": time.November, "nov": time.November,
	"dicembre": time.December, "december": time.December, "dec": time.December,
}

var cronParser = robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow)

func ambiguous(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAmbiguousSchedule, fmt.Sprintf(format, args...))
}

// Parse turns a reminder request into a schedule. now is the reference time
// and loc the timezone of wall-clock phrases. Requests that do not match a
// known phrase, name impossible dates or times, point to the past or carry
// no message are rejected with an error wrapping ErrAmbiguousSchedule.
func Parse(text string, now time.Time, loc *time.Location) (*Parsed, error) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	p := &Parsed{Timezone: loc.String()}

	rest := text
	if m := targetRe.FindStringSubmatchIndex(rest); m != nil {
		p.Channel = strings.ToLower(rest[m[2]:m[3]])
		p.Recipient = rest[m[4]:m[5]]
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}
	quoted := false
	if m := quotedRe.FindStringSubmatchIndex(rest); m != nil {
		quoted = true
		if m[2] >= 0 {
			p.Message = rest[m[2]:m[3]]
		} else {
			p.Message = rest[m[4]:m[5]]
		}
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}

	phrase := strings.Join(strings.Fields(strings.ToLower(rest)), " ")
	phrase = fillerRe.ReplaceAllString(phrase, "")
	if phrase == "" {
		return nil, ambiguous("no time phrase")
	}

	consumed, err := p.parseWhen(phrase, now, loc)
	if err != nil {
		return nil, err
	}
	leftover := strings.TrimSpace(phrase[consumed:])
	if quoted {
		if leftover != "" {
			return nil, ambiguous("unexpected text %q", leftover)
		}
	} else {
		// Unquoted messages keep their original casing.
		leftover = originalTail(rest, leftover)
		p.Message = leftover
	}
	p.Message = strings.TrimSpace(p.Message)
	if p.Message == "" {
		return nil, ambiguous("empty message")
	}
	return p, nil
}

// parseWhen matches the time phrase at the start of phrase and returns how
// many bytes it consumed.
func (p *Parsed) parseWhen(phrase string, now time.Time, loc *time.Location) (int, error) {
	if m := relativeRe.FindStringSubmatch(phrase); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, ambiguous("invalid amount %q", m[1])
		}
		var unit time.Duration
		switch m[2] {
		case "minuti", "minuto", "min", "minutes", "minute", "mins":
			unit = time.Minute
		case "ore", "ora", "hours", "hour", "h":
			unit = time.Hour
		default:
			unit = 24 * time.Hour
		}
		p.setInstant(now.Add(time.Duration(n) * unit).Truncate(time.Second))
		return len(m[0]), nil
	}

	if m := dayRe.FindStringSubmatch(phrase); m != nil {
		offset := 0
		switch m[1] {
		case "domani", "tomorrow":
			offset = 1
		case "dopodomani":
			offset = 2
		}
		hasTime := m[2] != ""
		if offset == 0 && !hasTime {
			return 0, ambiguous("%q needs a time", m[1])
		}
		hour, minute, err := clock(m[2], m[3])
		if err != nil {
			return 0, err
		}
		day := now.AddDate(0, 0, offset)
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if !at.After(now) {
			return 0, ambiguous("%s is in the past", at.Format(time.RFC3339))
		}
		p.setInstant(at)
		return len(m[0]), nil
	}

	if m := everyRe.FindStringSubmatch(phrase); m != nil {
		dow, ok := weekdays[m[1]]
		if !ok {
			return 0, ambiguous("unknown day %q", m[1])
		}
		hour, minute, err := clock(m[2], m[3])
		if err != nil {
			return 0, err
		}
		if err := p.setCron(fmt.Sprintf("%d %d * * %s", minute, hour, dow), now); err != nil {
			return 0, err
		}
		return len(m[0]), nil
	}

	if m := dateRe.FindStringSubmatch(phrase); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, ok := months[m[2]]
		if !ok {
			return 0, ambiguous("unknown month %q", m[2])
		}
		year := now.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		hour, minute, err := clock(m[4], m[5])
		if err != nil {
			return 0, err
		}
		at := time.Date(year, month, day, hour, minute, 0, 0, loc)
		if at.Day() != day || at.Month() != month {
			return 0, ambiguous("invalid date %d %s %d", day, m[2], year)
		}
		if !at.After(now) {
			return 0, ambiguous("%s is in the past", at.Format(time.RFC3339))
		}
		p.setInstant(at)
		return len(m[0]), nil
	}

	if m := rfc3339Re.FindStringSubmatch(phrase); m != nil {
		at, err := time.Parse(time.RFC3339, strings.ToUpper(m[1]))
		if err != nil {
			return 0, ambiguous("invalid timestamp %q", m[1])
		}
		if !at.After(now) {
			return 0, ambiguous("%s is in the past", at.Format(time.RFC3339))
		}
		p.setInstant(at.In(loc))
		return len(m[0]), nil
	}

	if m := cronExprRe.FindStringSubmatch(phrase); m != nil {
		if err := p.setCron(m[1], now); err != nil {
			return 0, err
		}
		return len(m[1]), nil
	}

	return 0, ambiguous("unrecognized time phrase %q", phrase)
}

// clock validates an optional "H[:MM]" pair. An absent hour yields the
// default hour.
func clock(h, m string) (int, int, error) {
	if h == "" {
		return defaultHour, 0, nil
	}
	hour, _ := strconv.Atoi(h)
	minute := 0
	if m != "" {
		minute, _ = strconv.Atoi(m)
	}
	if hour > 23 {
		return 0, 0, ambiguous("hour %d out of range", hour)
	}
	if minute > 59 {
		return 0, 0, ambiguous("minute %d out of range", minute)
	}
	return hour, minute, nil
}

func (p *Parsed) setInstant(at time.Time) {
	p.Schedule = at.Format(time.RFC3339)
	p.Recurring = false
	p.NextRun = at
}

func (p *Parsed) setCron(expr string, now time.Time) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ambiguous("invalid cron expression %q: %v", expr, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return ambiguous("cron expression %q never fires", expr)
	}
	p.Schedule = expr
	p.Recurring = true
	p.NextRun = next
	return nil
}

// originalTail returns the suffix of original whose lowercased,
// whitespace-collapsed form equals tail.
func originalTail(original, tail string) string {
	if tail == "" {
		return ""
	}
	fields := strings.Fields(original)
	want := len(strings.Fields(tail))
	if want > len(fields) {
		return tail
	}
	return strings.Join(fields[len(fields)-want:], " ")
}

// NextRun returns the next fire time of a recurring schedule after the
// given instant, evaluated in timezone tz ("" for the local zone).
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("loading timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next, nil
}

// validChannel reports whether c names a channel reminders can target.
func validChannel(c string) bool {
	switch c {
	case domain.ChannelTelegram, domain.ChannelSMS, domain.ChannelWhatsApp:
		return true
	}
	return false
}
