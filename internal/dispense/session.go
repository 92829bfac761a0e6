package dispense

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/dose"
	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/retry"
	"medication-dispenser/internal/state"
	"medication-dispenser/internal/timegate"
)

func timegateSlot(local time.Time) (dose.TimeOfDay, bool) {
	return timegate.CurrentSlot(local.Hour())
}

func filterPhases(phases []dose.Phase, slot dose.TimeOfDay) []dose.Phase {
	return timegate.Filter(phases, slot)
}

// dispensable drops phases without items.
func dispensable(phases []dose.Phase) []dose.Phase {
	out := phases[:0:0]
	for _, p := range phases {
		if len(p.Items) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// outcome accumulates a session's result.
type outcome struct {
	progress dose.Progress
	problems []string
	seen     map[dose.TimeOfDay]bool
}

func newOutcome() *outcome {
	return &outcome{progress: dose.NewProgress(), seen: make(map[dose.TimeOfDay]bool)}
}

func (r *outcome) ok() bool { return len(r.problems) == 0 }

func (r *outcome) fail(format string, args ...any) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

// mark records a phase result. A time of day listed twice succeeds only if
// both entries did.
func (r *outcome) mark(t dose.TimeOfDay, ok bool) {
	if r.seen[t] {
		ok = ok && r.progress[t]
	}
	r.seen[t] = true
	r.progress[t] = ok
}

func (r *outcome) summary() string {
	if r.ok() {
		return "dispensing completed"
	}
	return "dispensing incomplete: " + strings.Join(r.problems, "; ")
}

// runSession dispenses the canonically ordered phases, reports each one and
// always ends with the carousel sent home.
func (o *Orchestrator) runSession(ctx context.Context, s Session, phases []dose.Phase) *outcome {
	out := newOutcome()
	last := phases[len(phases)-1].TimeOfDay
	o.unsettled = true

	for _, ph := range phases {
		o.publish(state.Snapshot{Status: state.Moving, LastUID: s.KitUID, Phase: ph.TimeOfDay, Progress: out.progress})
		if err := o.carousel.MoveToPhase(ctx, ph.TimeOfDay); err != nil {
			log.Error().Err(err).Str("phase", string(ph.TimeOfDay)).Msg("carousel move failed")
			out.fail("%s: carousel move failed: %v", ph.TimeOfDay, err)
			o.emit(Event{Kind: EventError, UID: s.KitUID, Message: err.Error()})
			break
		}

		o.publish(state.Snapshot{Status: state.Dispensing, LastUID: s.KitUID, Phase: ph.TimeOfDay, Progress: out.progress})
		succeeded := 0
		for i, it := range ph.Items {
			if i > 0 {
				if err := o.pause(ctx, o.opts.ItemGap); err != nil {
					break
				}
			}
			if o.dispenseItem(ctx, s, ph.TimeOfDay, it) {
				succeeded++
			}
			o.publish(state.Snapshot{Status: state.Dispensing, LastUID: s.KitUID, Phase: ph.TimeOfDay, Progress: out.progress})
		}
		hardwareOK := succeeded == len(ph.Items)
		if !hardwareOK {
			out.fail("%s: %d of %d items dispensed", ph.TimeOfDay, succeeded, len(ph.Items))
		}

		reported := o.report(ctx, s, ph, dose.ResultOf(succeeded, len(ph.Items)))
		if !reported {
			out.fail("%s: report queued offline", ph.TimeOfDay)
		}
		out.mark(ph.TimeOfDay, hardwareOK && reported)
		o.publish(state.Snapshot{Status: state.Dispensing, LastUID: s.KitUID, Phase: ph.TimeOfDay, Progress: out.progress})
	}

	o.publish(state.Snapshot{Status: state.Returning, LastUID: s.KitUID, Phase: last, Progress: out.progress})
	if err := o.returnHome(ctx); err != nil {
		out.fail("return home: %v", err)
		o.emit(Event{Kind: EventError, UID: s.KitUID, Message: err.Error()})
	}
	o.unsettled = false
	return out
}

// dispenseItem actuates one item, retrying once after a failure (never in dry-run).
func (o *Orchestrator) dispenseItem(ctx context.Context, s Session, t dose.TimeOfDay, it dose.Item) bool {
	logger := log.With().Str("phase", string(t)).Int("slot", it.Slot).Int("count", it.Count).Logger()
	err := retry.Do(ctx, o.itemRetry, o.sleep, nil,
		func(attempt int, err error) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("dispense failed; retrying")
		},
		func(int) error {
			resp, err := o.dev.Dispense(ctx, it.Slot, it.Count)
			if err == nil {
				logger.Info().Str("resp", resp).Msg("dispensed")
			}
			return err
		})
	if err != nil {
		logger.Error().Err(err).Msg("dispense failed")
		o.emit(Event{Kind: EventError, UID: s.KitUID, Message: fmt.Sprintf("slot %d dispense failed: %v", it.Slot, err)})
		return false
	}
	return true
}

// report delivers the phase outcome, queueing it offline when the backend does
// not accept it. Phases without identified items have nothing to report. It
// returns whether the backend acknowledged the report.
func (o *Orchestrator) report(ctx context.Context, s Session, ph dose.Phase, result dose.Result) bool {
	items := dose.ReportableItems(ph.Items)
	if len(items) == 0 {
		return true
	}
	r := dose.Report{
		MachineID:  o.opts.MachineID,
		UserID:     s.UserID,
		Time:       ph.TimeOfDay,
		Items:      items,
		Result:     result,
		ClientTxID: offline.NewTxID(o.now()),
	}
	err := o.api.ReportDispense(ctx, r)
	if err == nil {
		log.Info().Str("phase", string(ph.TimeOfDay)).Str("result", string(result)).Int("items", len(items)).Msg("report delivered")
		return true
	}
	log.Warn().Err(err).Str("phase", string(ph.TimeOfDay)).Msg("report delivery failed; queueing offline")
	if qerr := o.queue.Append(ctx, r); qerr != nil {
		log.Error().Err(qerr).Str("client_tx_id", r.ClientTxID).Msg("failed to queue report offline")
	}
	return false
}
