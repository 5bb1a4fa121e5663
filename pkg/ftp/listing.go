package ftp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntryKind is the type of a listed entry.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindLink
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindLink:
		return "link"
	default:
		return fmt.Sprintf("unknown_kind(%d)", k)
	}
}

// Entry is one parsed LIST line. ModTime is in server local time, expressed
// as UTC; callers correct it by the server's clock offset.
type Entry struct {
	Name    string
	Kind    EntryKind
	Size    int64
	ModTime time.Time
	// Precise is set when the listing carried the time of day, not only the
	// date.
	Precise bool
	// Target is the link target for KindLink entries.
	Target string
}

// ListingParser turns one LIST line into an Entry. ok is false for lines
// that are not entries ("total 12", ".", unknown formats).
type ListingParser interface {
	Parse(line string) (e Entry, ok bool)
}

// GenericParser understands Unix "ls -l" and DOS/IIS listings, deciding per
// line.
type GenericParser struct {
	// Now is used to infer the year of recent Unix entries.
	Now func() time.Time
}

// NewGenericParser returns a parser using the wall clock.
func NewGenericParser() *GenericParser {
	return &GenericParser{Now: time.Now}
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// field is a whitespace separated token with its byte offsets in the line.
type field struct {
	text       string
	start, end int
}

func splitFields(line string) []field {
	var out []field
	i := 0
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}
		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		out = append(out, field{text: line[start:i], start: start, end: i})
	}
	return out
}

// Parse implements ListingParser.
func (p *GenericParser) Parse(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.ToLower(line), "total ") {
		return Entry{}, false
	}
	fields := splitFields(line)
	if len(fields) < 4 {
		return Entry{}, false
	}

	var e Entry
	var ok bool
	if isDOSDate(fields[0].text) {
		e, ok = p.parseDOS(line, fields)
	} else {
		e, ok = p.parseUnix(line, fields)
	}
	if !ok || e.Name == "" || e.Name == "." || e.Name == ".." {
		return Entry{}, false
	}
	return e, true
}

func (p *GenericParser) parseUnix(line string, fields []field) (Entry, bool) {
	perms := fields[0].text
	if len(perms) < 10 {
		return Entry{}, false
	}
	var e Entry
	switch perms[0] {
	case 'd':
		e.Kind = KindDir
	case 'l':
		e.Kind = KindLink
	case '-':
		e.Kind = KindFile
	default:
		return Entry{}, false
	}

	// The month column is the anchor; owner and group columns vary.
	m := -1
	for i := 3; i+2 < len(fields); i++ {
		if _, isMonth := months[strings.ToLower(fields[i].text)]; isMonth {
			if _, err := strconv.Atoi(fields[i+1].text); err == nil {
				m = i
				break
			}
		}
	}
	if m < 0 {
		return Entry{}, false
	}

	size, err := strconv.ParseInt(fields[m-1].text, 10, 64)
	if err != nil {
		return Entry{}, false
	}
	e.Size = size

	mod, precise, err := p.unixTime(fields[m].text, fields[m+1].text, fields[m+2].text)
	if err != nil {
		return Entry{}, false
	}
	e.ModTime = mod
	e.Precise = precise

	name := line[fields[m+2].end:]
	name = strings.TrimPrefix(name, " ")
	if e.Kind == KindLink {
		if before, after, found := strings.Cut(name, " -> "); found {
			name = before
			e.Target = after
		}
	}
	e.Name = name
	return e, true
}

// unixTime parses "Mon DD hh:mm" (within the last six months) or
// "Mon DD YYYY".
func (p *GenericParser) unixTime(mon, day, yearOrTime string) (time.Time, bool, error) {
	month := months[strings.ToLower(mon)]
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, false, fmt.Errorf("invalid day %q", day)
	}
	if hh, mm, found := strings.Cut(yearOrTime, ":"); found {
		h, err1 := strconv.Atoi(hh)
		mi, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil {
			return time.Time{}, false, fmt.Errorf("invalid time %q", yearOrTime)
		}
		now := p.now().UTC()
		t := time.Date(now.Year(), month, d, h, mi, 0, 0, time.UTC)
		// Entries without a year are never in the future; allow a day of
		// clock skew before rolling back.
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, true, nil
	}
	y, err := strconv.Atoi(yearOrTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid year %q", yearOrTime)
	}
	return time.Date(y, month, d, 0, 0, 0, 0, time.UTC), false, nil
}

func (p *GenericParser) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// isDOSDate matches "MM-DD-YY" and "MM-DD-YYYY".
func isDOSDate(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || len(parts[0]) != 2 || len(parts[1]) != 2 || (len(parts[2]) != 2 && len(parts[2]) != 4) {
		return false
	}
	for _, part := range parts {
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

// parseDOS handles "MM-DD-YY  hh:mmAM  <DIR>  name" and
// "MM-DD-YY  hh:mmPM  1234  name".
func (p *GenericParser) parseDOS(line string, fields []field) (Entry, bool) {
	parts := strings.Split(fields[0].text, "-")
	mon, _ := strconv.Atoi(parts[0])
	day, _ := strconv.Atoi(parts[1])
	year, _ := strconv.Atoi(parts[2])
	if len(parts[2]) == 2 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	}

	clock := strings.ToUpper(fields[1].text)
	pm := strings.HasSuffix(clock, "PM")
	clock = strings.TrimSuffix(strings.TrimSuffix(clock, "PM"), "AM")
	hh, mm, found := strings.Cut(clock, ":")
	if !found {
		return Entry{}, false
	}
	h, err1 := strconv.Atoi(hh)
	mi, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || mon < 1 || mon > 12 {
		return Entry{}, false
	}
	if pm && h < 12 {
		h += 12
	} else if !pm && h == 12 && strings.HasSuffix(strings.ToUpper(fields[1].text), "AM") {
		h = 0
	}

	e := Entry{
		ModTime: time.Date(year, time.Month(mon), day, h, mi, 0, 0, time.UTC),
		Precise: true,
	}
	if strings.EqualFold(fields[2].text, "<DIR>") {
		e.Kind = KindDir
	} else {
		size, err := strconv.ParseInt(fields[2].text, 10, 64)
		if err != nil {
			return Entry{}, false
		}
		e.Kind = KindFile
		e.Size = size
	}
	e.Name = strings.TrimLeft(line[fields[2].end:], " \t")
	return e, true
}
