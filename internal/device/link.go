package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/parse"
)

const (
	// ReadyWait bounds how long Open waits for the board's reset banner.
	ReadyWait = 3 * time.Second
	// pollInterval caps a single blocking read so deadlines and ctx are honoured.
	pollInterval = 100 * time.Millisecond
	// maxLine drops runaway input that never terminates in a newline.
	maxLine = 256
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Link is the line-oriented request/response channel to the controller board.
// It is owned by a single goroutine; it never issues two commands at once.
type Link struct {
	port        Port
	name        string
	readTimeout time.Duration
	buf         []byte
	chunk       []byte
	clock       clock
}

// NewLink wraps an already open port. readTimeout bounds ReadUID.
func NewLink(port Port, name string, readTimeout time.Duration) *Link {
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	return &Link{
		port:        port,
		name:        name,
		readTimeout: readTimeout,
		chunk:       make([]byte, 64),
		clock:       realClock{},
	}
}

// Open opens the serial port (autodetecting when name is empty) and performs the
// reset handshake.
func Open(name string, baud int, readTimeout time.Duration) (*Link, error) {
	port, resolved, err := OpenPort(name, baud)
	if err != nil {
		return nil, err
	}
	l := NewLink(port, resolved, readTimeout)
	if err := l.Handshake(); err != nil {
		port.Close()
		return nil, err
	}
	log.Info().Str("port", resolved).Int("baud", baud).Msg("serial link ready")
	return l, nil
}

// Name is the resolved port name.
func (l *Link) Name() string { return l.name }

// Close releases the port.
func (l *Link) Close() error { return l.port.Close() }

// Handshake drains the READY line the board prints after opening resets it, for
// at most ReadyWait, then discards whatever else is buffered.
func (l *Link) Handshake() error {
	deadline := l.clock.Now().Add(ReadyWait)
	for {
		line, err := l.readLine(deadline)
		if errors.Is(err, ErrTimeout) {
			log.Debug().Msg("no READY banner before handshake deadline")
			break
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == parse.Ready {
			break
		}
	}
	return l.Discard()
}

// Send writes one command line and waits up to timeout for its OK or ERR answer.
// Pending input is discarded first so a late answer to an earlier command is never
// attributed to this one. Blank lines, READY and other chatter are skipped.
// An ERR line is returned as *ProtocolError; silence as ErrTimeout. No retries.
func (l *Link) Send(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	cmd = strings.TrimSpace(cmd)
	start := l.clock.Now()
	if err := l.Discard(); err != nil {
		return "", err
	}
	if _, err := l.port.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("write %s: %w", cmd, err)
	}

	deadline := start.Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := l.readLine(deadline)
		if errors.Is(err, ErrTimeout) {
			log.Warn().Str("cmd", cmd).Dur("timeout", timeout).Msg("device command timed out")
			return "", fmt.Errorf("%s: %w", cmd, ErrTimeout)
		}
		if err != nil {
			return "", err
		}
		kind, line := parse.ClassifyLine(raw)
		switch kind {
		case parse.Ok:
			log.Debug().Str("cmd", cmd).Str("resp", line).Dur("elapsed", l.clock.Now().Sub(start)).Msg("device command ok")
			return line, nil
		case parse.Err:
			log.Warn().Str("cmd", cmd).Str("resp", line).Dur("elapsed", l.clock.Now().Sub(start)).Msg("device command failed")
			return line, &ProtocolError{Command: cmd, Line: line}
		default:
			if line != "" {
				log.Debug().Str("cmd", cmd).Str("line", line).Msg("ignoring non-answer line")
			}
		}
	}
}

// ReadUID waits up to the configured read timeout for a tag line. It returns an
// empty string when nothing, or nothing tag-shaped, arrived.
func (l *Link) ReadUID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := l.readLine(l.clock.Now().Add(l.readTimeout))
	if errors.Is(err, ErrTimeout) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	uid, ok := parse.UID(raw)
	if !ok {
		if line := strings.TrimSpace(raw); line != "" {
			log.Debug().Str("line", line).Msg("ignoring non-tag line while idle")
		}
		return "", nil
	}
	return uid, nil
}

// Discard drops buffered input, including tag lines that arrived while nobody
// was polling.
func (l *Link) Discard() error {
	l.buf = l.buf[:0]
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	return nil
}

// readLine returns the next newline-terminated line, or ErrTimeout once deadline
// passes. A partial line stays buffered for the next call.
func (l *Link) readLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			line := string(l.buf[:i])
			l.buf = append(l.buf[:0], l.buf[i+1:]...)
			return line, nil
		}
		if len(l.buf) > maxLine {
			l.buf = l.buf[:0]
		}

		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			return "", ErrTimeout
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		if err := l.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("set read timeout: %w", err)
		}
		n, err := l.port.Read(l.chunk)
		if n > 0 {
			l.buf = append(l.buf, l.chunk[:n]...)
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w: %w", l.name, ErrPortUnavailable, err)
		}
	}
}
