// Package carousel tracks the rotating tray's stage and sequences the moves that
// bring a dose phase under the dispensers.
package carousel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/dose"
	"medication-dispenser/internal/retry"
)

// Stages is the number of positions on the tray, one per time of day.
const Stages = 3

// Mover is the part of the device link the carousel drives.
type Mover interface {
	StepNext(ctx context.Context) (string, error)
	Home(ctx context.Context) (string, error)
}

// Controller owns the carousel's believed position. The position is only ever
// derived from completed commands: a failed move leaves it unknown, and the next
// move homes first.
type Controller struct {
	mover   Mover
	stepGap time.Duration
	sleep   retry.Sleeper

	stage int
	known bool
}

// New returns a controller that assumes the tray starts at home, which is where
// the board leaves it after the reset caused by opening the port.
func New(mover Mover, stepGap time.Duration) *Controller {
	return &Controller{mover: mover, stepGap: stepGap, sleep: retry.Sleep, known: true}
}

// WithSleeper replaces the wait used between steps.
func (c *Controller) WithSleeper(s retry.Sleeper) *Controller {
	c.sleep = s
	return c
}

// Stage returns the current stage and whether it is trusted.
func (c *Controller) Stage() (int, bool) {
	return c.stage, c.known
}

// MoveToPhase moves the tray under the compartment for t.
func (c *Controller) MoveToPhase(ctx context.Context, t dose.TimeOfDay) error {
	target, ok := t.Ordinal()
	if !ok {
		return fmt.Errorf("carousel: unknown time of day %q", t)
	}
	return c.MoveTo(ctx, target)
}

// MoveTo brings the tray to target. Moving backwards, or from an unknown
// position, homes first; the tray then only ever steps forward, one stage per
// command. The first failing step aborts the move.
func (c *Controller) MoveTo(ctx context.Context, target int) error {
	if target < 0 || target >= Stages {
		return fmt.Errorf("carousel: stage %d out of range", target)
	}
	if c.known && target == c.stage {
		return nil
	}
	if !c.known || target < c.stage {
		if err := c.ReturnHome(ctx); err != nil {
			return err
		}
	}

	n := target - c.stage
	for i := 1; i <= n; i++ {
		if i > 1 {
			if err := c.sleep(ctx, c.stepGap); err != nil {
				c.known = false
				return err
			}
		}
		if _, err := c.mover.StepNext(ctx); err != nil {
			c.known = false
			return fmt.Errorf("carousel step %d of %d failed: %w", i, n, err)
		}
		c.stage++
		log.Debug().Int("stage", c.stage).Msg("carousel stepped")
	}
	log.Info().Int("stage", c.stage).Msg("carousel in position")
	return nil
}

// ReturnHome resets the tray to stage 0. It is always sent, even when the tray is
// believed to be home already.
func (c *Controller) ReturnHome(ctx context.Context) error {
	if _, err := c.mover.Home(ctx); err != nil {
		c.known = false
		return fmt.Errorf("carousel home failed: %w", err)
	}
	c.stage = 0
	c.known = true
	return nil
}
