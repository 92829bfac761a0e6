package device

import (
	"context"
	"fmt"
)

// DryResponse is returned for every simulated actuation.
const DryResponse = "OK,DRY"

// UIDReader is the tag-reading half of a link.
type UIDReader interface {
	ReadUID(ctx context.Context) (string, error)
	Discard() error
}

// DryRun reads tags from a real reader but simulates every actuation as
// successful without touching the board.
type DryRun struct {
	Reader UIDReader
}

func (d DryRun) ReadUID(ctx context.Context) (string, error) {
	return d.Reader.ReadUID(ctx)
}

func (d DryRun) Discard() error {
	return d.Reader.Discard()
}

func (d DryRun) Dispense(ctx context.Context, slot, count int) (string, error) {
	if slot < 1 || slot > 3 || count <= 0 {
		return "", fmt.Errorf("DISPENSE,%d,%d: %w", slot, count, ErrBadArgument)
	}
	return DryResponse, ctx.Err()
}

func (d DryRun) StepNext(ctx context.Context) (string, error) {
	return DryResponse, ctx.Err()
}

func (d DryRun) Home(ctx context.Context) (string, error) {
	return DryResponse, ctx.Err()
}
