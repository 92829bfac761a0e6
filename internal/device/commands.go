package device

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Per-command timeout floors. They cover the board's mechanical action plus margin.
const (
	StepNextTimeout = 4 * time.Second
	HomeTimeout     = 6 * time.Second

	minDispenseTimeout = 5 * time.Second
	perPillTime        = 3 * time.Second
	minJogTimeout      = 8 * time.Second

	MinJogMillis = 100
	MaxJogMillis = 15000

	// DefaultSpeed omits the speed field so the board uses its own default.
	DefaultSpeed = -1
)

// DispenseTimeout allows about three seconds per pill plus one, never under five.
func DispenseTimeout(count int) time.Duration {
	est := time.Duration(count)*perPillTime + time.Second
	if est < minDispenseTimeout {
		return minDispenseTimeout
	}
	return est
}

// JogTimeout is the move duration plus two seconds, never under eight.
func JogTimeout(ms int) time.Duration {
	est := time.Duration(ms)*time.Millisecond + 2*time.Second
	if est < minJogTimeout {
		return minJogTimeout
	}
	return est
}

// SolenoidTimeout is 5s for a single loading or dispensing pulse, 8s for both.
func SolenoidTimeout(kind string) time.Duration {
	if kind == "B" {
		return 8 * time.Second
	}
	return 5 * time.Second
}

// Dispense actuates the solenoid at slot count times.
func (l *Link) Dispense(ctx context.Context, slot, count int) (string, error) {
	if slot < 1 || slot > 3 || count <= 0 {
		return "", fmt.Errorf("DISPENSE,%d,%d: %w", slot, count, ErrBadArgument)
	}
	return l.Send(ctx, fmt.Sprintf("DISPENSE,%d,%d", slot, count), DispenseTimeout(count))
}

// StepNext advances the carousel one stage.
func (l *Link) StepNext(ctx context.Context) (string, error) {
	return l.Send(ctx, "STEP,NEXT", StepNextTimeout)
}

// Home returns the carousel to stage 0, retrying once with the STEP,HOME alias
// understood by older firmware.
func (l *Link) Home(ctx context.Context) (string, error) {
	resp, err := l.Send(ctx, "HOME", HomeTimeout)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return resp, err
	}
	return l.Send(ctx, "STEP,HOME", HomeTimeout)
}

// Jog runs the carousel motor in dir ("F"/"B", case-insensitive, longer words
// accepted by first letter) for ms milliseconds. ms is clamped to the board's
// accepted range; speed is 0-100 or DefaultSpeed.
func (l *Link) Jog(ctx context.Context, dir string, ms, speed int) (string, error) {
	cmd, timeout, err := JogCommand(dir, ms, speed)
	if err != nil {
		return "", err
	}
	return l.Send(ctx, cmd, timeout)
}

// JogCommand validates and renders a JOG line. The firmware expects the speed
// field before the duration when both are present.
func JogCommand(dir string, ms, speed int) (string, time.Duration, error) {
	d := strings.ToUpper(strings.TrimSpace(dir))
	if d == "" || (d[0] != 'F' && d[0] != 'B') {
		return "", 0, fmt.Errorf("%q: %w", dir, ErrBadDirection)
	}
	d = d[:1]
	if ms < MinJogMillis {
		ms = MinJogMillis
	} else if ms > MaxJogMillis {
		ms = MaxJogMillis
	}
	if speed == DefaultSpeed {
		return fmt.Sprintf("JOG,%s,%d", d, ms), JogTimeout(ms), nil
	}
	if speed < 0 {
		speed = 0
	} else if speed > 100 {
		speed = 100
	}
	return fmt.Sprintf("JOG,%s,%d,%d", d, speed, ms), JogTimeout(ms), nil
}

// TestSolenoid pulses the loading (L), dispensing (D) or both (B) solenoids of slot.
func (l *Link) TestSolenoid(ctx context.Context, slot int, kind string) (string, error) {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if kind != "L" && kind != "D" && kind != "B" {
		return "", fmt.Errorf("solenoid type %q: %w", kind, ErrBadArgument)
	}
	if slot < 1 || slot > 3 {
		return "", fmt.Errorf("slot %d: %w", slot, ErrBadArgument)
	}
	return l.Send(ctx, fmt.Sprintf("TEST_SOLENOID,%d,%s", slot, kind), SolenoidTimeout(kind))
}
