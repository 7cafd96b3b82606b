package alert

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Severity grades an alert record.
type Severity int

const (
	// Warning is recoverable and scoped to one binding or service.
	Warning Severity = iota
	// Severe is fatal to the process.
	Severe
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "WARNING"
	case Severe:
		return "SEVERE"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WARNING":
		return Warning, true
	case "SEVERE":
		return Severe, true
	default:
		return 0, false
	}
}

// Record is one fault reported to the alert channel.
type Record struct {
	Source   string    `json:"source"`
	Severity Severity  `json:"-"`
	Message  string    `json:"message"`
	Cause    error     `json:"-"`
	Time     time.Time `json:"time"`
}

// String renders the wire form: "[<source>] [<SEVERITY>] <message>".
func (r Record) String() string {
	return fmt.Sprintf("[%s] [%s] %s", r.Source, r.Severity, r.Message)
}

var recordPattern = regexp.MustCompile(`^\[([^\]]*)\] \[([A-Z]+)\] (.*)$`)

// ParseRecord reads a record back from its wire form. The cause does not
// travel.
func ParseRecord(line string) (Record, bool) {
	m := recordPattern.FindStringSubmatch(line)
	if m == nil {
		return Record{}, false
	}
	severity, ok := ParseSeverity(m[2])
	if !ok {
		return Record{}, false
	}
	return Record{Source: m[1], Severity: severity, Message: m[3]}, true
}
