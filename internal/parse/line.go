package parse

import (
	"regexp"
	"strings"
)

var (
	uidRe = regexp.MustCompile(`^[0-9A-F]{8,}$`)
)

// Ready is the unsolicited line the board prints after a reset.
const Ready = "READY"

// LineKind classifies one line received from the board.
type LineKind int

const (
	// Noise is a blank line, a stray READY, or any informational output.
	Noise LineKind = iota
	// Ok is a line prefixed "OK,".
	Ok
	// Err is a line prefixed "ERR,".
	Err
)

func (k LineKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Err:
		return "err"
	default:
		return "noise"
	}
}

// ClassifyLine trims raw and reports whether it answers a command.
func ClassifyLine(raw string) (LineKind, string) {
	line := strings.TrimSpace(raw)
	switch {
	case line == "" || line == Ready:
		return Noise, line
	case strings.HasPrefix(line, "OK,"):
		return Ok, line
	case strings.HasPrefix(line, "ERR,"):
		return Err, line
	default:
		return Noise, line
	}
}

// UID extracts an RFID tag id from a raw line. The board prints tags as
// upper-case hex with no separators; anything else is rejected.
func UID(raw string) (string, bool) {
	line := strings.ToUpper(strings.TrimSpace(raw))
	if !uidRe.MatchString(line) {
		return "", false
	}
	return line, true
}

// ErrReason returns the reason field of an "ERR,<reason>[,...]" line, or the
// whole line when it has no reason field.
func ErrReason(line string) string {
	parts := strings.SplitN(strings.TrimSpace(line), ",", 3)
	if len(parts) >= 2 && parts[0] == "ERR" && parts[1] != "" {
		return parts[1]
	}
	return line
}
