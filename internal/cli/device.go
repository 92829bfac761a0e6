package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/tebeka/atexit"

	"medication-dispenser/config"
	"medication-dispenser/internal/device"
	"medication-dispenser/internal/retry"
)

// manualDevice is what the recovery commands drive.
type manualDevice interface {
	Jog(ctx context.Context, dir string, ms, speed int) (string, error)
	StepNext(ctx context.Context) (string, error)
	Home(ctx context.Context) (string, error)
	TestSolenoid(ctx context.Context, slot int, kind string) (string, error)
}

// openDevice opens the serial link and registers its release with atexit.
var openDevice = func(cfg *config.Config) (manualDevice, error) {
	link, err := device.Open(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial link: %w", err)
	}
	atexit.Register(func() { link.Close() })
	return link, nil
}

// pause waits between repeated hardware commands.
var pause retry.Sleeper = retry.Sleep

// solenoidGap separates consecutive solenoid tests so the supply recovers.
const solenoidGap = 2 * time.Second
