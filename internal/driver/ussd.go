package driver

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Carrier USSD responses arrive through the router syslog, e.g.:
//
//	Sat Dec 27 07:00:30 2025 user.notice USSD: Recarga efectuada: Tarifa:
//	Activa. Datos: 7.53 GB validos 20 dias. Saldo: 319.23
//
// The carrier varies the wording between messages, so each value is
// extracted by its own pattern; a message carrying only some of the
// values still yields those.
var (
	syslogLineRe = regexp.MustCompile(`^(\w{3})\s+(\w{3})\s+(\d{1,2})\s+(\d{2}:\d{2}:\d{2})\s+(\d{4})\s+(.*)$`)

	// Decimal commas show up alongside decimal dots.
	dataVolumeRe = regexp.MustCompile(`(?i)(\d+[.,]?\d*)\s*(GB|MB)`)
	validityRe   = regexp.MustCompile(`(?i)(\d+)\s*d[ií]as`)
	balanceRe    = regexp.MustCompile(`(?i)saldo:\s*(\d+[.,]?\d*)`)
	lowBalanceRe = regexp.MustCompile(`(?i)saldo\s+insuficiente`)
)

// ParseSyslogLine splits a router syslog line into a normalized timestamp
// ("2006-01-02 15:04:05", empty if unparseable) and the message, trimmed to
// start at "USSD:" when present.
func ParseSyslogLine(line string) (ts, message string) {
	line = strings.TrimSpace(line)
	m := syslogLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", line
	}

	// "Sat Dec 27 07:00:30 2025"
	raw := m[1] + " " + m[2] + " " + m[3] + " " + m[4] + " " + m[5]
	if t, err := time.Parse("Mon Jan 2 15:04:05 2006", raw); err == nil {
		ts = t.Format("2006-01-02 15:04:05")
	}

	rest := strings.TrimSpace(m[6])
	if idx := strings.Index(rest, "USSD:"); idx >= 0 {
		rest = rest[idx:]
	}
	return ts, rest
}

// ParseUSSDMessage extracts balance, data volume, validity and the carrier's
// insufficient-balance notice from a USSD message. Each value is independent:
// whatever the message carries is returned, absence of a parse is not an
// error.
func ParseUSSDMessage(ts, message string) *Parsed {
	p := &Parsed{Time: ts, Message: message}

	if m := dataVolumeRe.FindStringSubmatch(message); m != nil {
		if v, err := parseDecimal(m[1]); err == nil {
			if strings.EqualFold(m[2], "GB") {
				v *= 1024
			}
			p.DataMB = &v
		}
	}
	if m := validityRe.FindStringSubmatch(message); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil {
			p.ValidDays = &d
		}
	}
	if m := balanceRe.FindStringSubmatch(message); m != nil {
		if v, err := parseDecimal(m[1]); err == nil {
			p.Balance = &v
		}
	}
	p.LowBalance = ContainsLowBalance(message)
	return p
}

// ContainsLowBalance reports whether the carrier flagged insufficient
// balance anywhere in the message.
func ContainsLowBalance(message string) bool {
	return lowBalanceRe.MatchString(message)
}

// ParseUSSDLine parses a full syslog line in one step.
func ParseUSSDLine(line string) *Parsed {
	ts, msg := ParseSyslogLine(line)
	return ParseUSSDMessage(ts, msg)
}

func parseDecimal(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}
