// Package dispense runs the dispenser control loop: tag reads, schedule lookup,
// carousel and solenoid sequencing, outcome reports and status publication.
package dispense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"medication-dispenser/config"
	"medication-dispenser/internal/backend"
	"medication-dispenser/internal/carousel"
	"medication-dispenser/internal/device"
	"medication-dispenser/internal/dose"
	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/retry"
	"medication-dispenser/internal/state"
)

// Device is the board as seen by the control loop.
type Device interface {
	ReadUID(ctx context.Context) (string, error)
	Dispense(ctx context.Context, slot, count int) (string, error)
	StepNext(ctx context.Context) (string, error)
	Home(ctx context.Context) (string, error)
	// Discard drops tag lines that arrived while the loop was not polling.
	Discard() error
}

// Backend is the subset of the backend gateway the control loop calls.
type Backend interface {
	MachineRegistered(ctx context.Context, machineID string) (bool, error)
	Resolve(ctx context.Context, uid string) (*backend.Resolution, error)
	BuildQueue(ctx context.Context, machineID string, userID dose.ID) ([]dose.Phase, error)
	ReportDispense(ctx context.Context, r dose.Report) error
	Heartbeat(ctx context.Context, machineID, status string) error
}

// ReportQueue holds reports the backend did not accept.
type ReportQueue interface {
	Append(ctx context.Context, r dose.Report) error
	Flush(ctx context.Context, sender offline.Sender) (int, error)
}

// Options are the control loop timings and identity.
type Options struct {
	MachineID        string
	DeviceUID        string
	DryRun           bool
	Location         *time.Location
	UIDCooldown      time.Duration
	Heartbeat        time.Duration
	RegistrationPoll time.Duration
	ResultPause      time.Duration
	ErrorBackoff     time.Duration
	StepGap          time.Duration
	ItemGap          time.Duration
}

// OptionsFrom maps the loaded configuration onto loop options.
func OptionsFrom(cfg *config.Config) Options {
	d := cfg.Dispenser
	return Options{
		MachineID:        cfg.Machine.ID,
		DeviceUID:        cfg.Machine.DeviceUID,
		DryRun:           d.DryRun,
		Location:         d.Location,
		UIDCooldown:      d.UIDCooldown,
		Heartbeat:        d.Heartbeat,
		RegistrationPoll: d.RegistrationPoll,
		ResultPause:      d.ResultPause,
		ErrorBackoff:     d.ErrorBackoff,
		StepGap:          d.StepGap,
		ItemGap:          d.ItemGap,
	}
}

// Deps are the collaborators of the control loop.
type Deps struct {
	Device    Device
	Backend   Backend
	Queue     ReportQueue
	Publisher state.Publisher
}

// heartbeatStatus is what the loop reports between sessions.
const heartbeatStatus = "idle"

// finalHomeTimeout bounds the rest-position reset issued after a session even
// when the loop is shutting down.
const finalHomeTimeout = 10 * time.Second

// Orchestrator is the single-threaded control loop. It exclusively owns the
// device for its lifetime.
type Orchestrator struct {
	opts      Options
	dev       Device
	api       Backend
	queue     ReportQueue
	pub       state.Publisher
	carousel  *carousel.Controller
	admission *Admission
	observers []Observer
	last      state.Snapshot
	// unsettled is set while a session may have left the carousel off home.
	unsettled bool

	itemRetry     retry.Policy
	now           func() time.Time
	sleep         retry.Sleeper
	lastHeartbeat time.Time
}

// New wires an orchestrator. The carousel is assumed to be home, which is where
// the board leaves it after the reset caused by opening the port.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	itemRetry := retry.Once
	if opts.DryRun {
		itemRetry = retry.Policy{MaxAttempts: 1}
	}
	o := &Orchestrator{
		opts:      opts,
		dev:       deps.Device,
		api:       deps.Backend,
		queue:     deps.Queue,
		pub:       deps.Publisher,
		admission: NewAdmission(opts.UIDCooldown),
		itemRetry: itemRetry,
		now:       time.Now,
		sleep:     retry.Sleep,
	}
	o.carousel = carousel.New(deps.Device, opts.StepGap).WithSleeper(o.pause)
	return o
}

// Subscribe adds an observer. It must be called before Run.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Run waits for the backend to confirm registration, then processes tag reads
// until ctx is cancelled or a fatal error occurs. Cancellation returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().Str("machine_id", o.opts.MachineID).Bool("dry_run", o.opts.DryRun).Msg("dispense loop starting")
	if err := o.awaitRegistration(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	o.discardStaleTags("registration")
	o.publishWaiting()

	for {
		if ctx.Err() != nil {
			log.Info().Msg("dispense loop shutting down")
			return nil
		}
		err := o.safeStep(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			continue
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			log.Error().Err(err).Msg("dispense loop stopped")
			o.publish(state.Snapshot{Status: state.Error, Error: fatal.Err.Error()})
			o.emit(Event{Kind: EventError, Message: fatal.Err.Error()})
			return err
		}
		o.handleFault(ctx, err)
	}
}

func (o *Orchestrator) awaitRegistration(ctx context.Context) error {
	for {
		registered, err := o.api.MachineRegistered(ctx, o.opts.MachineID)
		if registered {
			log.Info().Str("machine_id", o.opts.MachineID).Msg("machine registered")
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Msg("registration check failed")
		}
		o.publish(state.Snapshot{Status: state.MachineNotRegistered, LastUID: o.opts.DeviceUID})
		o.emit(Event{Kind: EventMachineUnregistered, UID: o.opts.DeviceUID})
		if err := o.pause(ctx, o.opts.RegistrationPoll); err != nil {
			return err
		}
	}
}

// safeStep runs one loop iteration, turning a panic into an error.
func (o *Orchestrator) safeStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return o.step(ctx)
}

func (o *Orchestrator) step(ctx context.Context) error {
	o.maybeHeartbeat(ctx)

	uid, err := o.dev.ReadUID(ctx)
	if err != nil {
		if errors.Is(err, device.ErrPortUnavailable) {
			return &FatalError{Err: err}
		}
		return fmt.Errorf("read tag: %w", err)
	}
	if uid == "" || !o.admission.Admit(uid, o.now()) {
		return nil
	}
	return o.handleUID(ctx, uid)
}

// handleFault is the single handler for recoverable faults: log, clear the
// session, re-home if a session was cut short, publish, back off.
func (o *Orchestrator) handleFault(ctx context.Context, err error) {
	log.Error().Err(err).Msg("control loop fault")
	uid := o.last.LastUID
	if o.admission.End() {
		o.discardStaleTags("session")
	}
	if stage, known := o.carousel.Stage(); o.unsettled || !known || stage != 0 {
		o.unsettled = false
		_ = o.returnHome(ctx)
	}
	o.publish(state.Snapshot{Status: state.Error, LastUID: uid, Error: err.Error()})
	o.emit(Event{Kind: EventError, UID: uid, Message: err.Error()})
	_ = o.pause(ctx, o.opts.ErrorBackoff)
}

func (o *Orchestrator) maybeHeartbeat(ctx context.Context) {
	if o.opts.Heartbeat <= 0 {
		return
	}
	now := o.now()
	if !o.lastHeartbeat.IsZero() && now.Sub(o.lastHeartbeat) < o.opts.Heartbeat {
		return
	}
	o.lastHeartbeat = now
	if err := o.api.Heartbeat(ctx, o.opts.MachineID, heartbeatStatus); err != nil {
		log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	if _, err := o.queue.Flush(ctx, o.api); err != nil {
		log.Warn().Err(err).Msg("offline flush failed")
	}
}

func (o *Orchestrator) handleUID(ctx context.Context, uid string) error {
	log.Info().Str("uid", uid).Msg("tag read")
	o.publish(state.Snapshot{Status: state.ResolvingUID, LastUID: uid})
	o.emit(Event{Kind: EventUIDSeen, UID: uid})

	res, err := o.api.Resolve(ctx, uid)
	if err != nil {
		// Not a session fault: the tag is tried again on its next read.
		log.Warn().Err(err).Str("uid", uid).Msg("tag resolution failed")
		o.publish(state.Snapshot{Status: state.Error, LastUID: uid, Error: "could not resolve tag: " + err.Error()})
		o.emit(Event{Kind: EventError, UID: uid, Message: err.Error()})
		return o.settle(ctx)
	}
	if !res.Registered {
		log.Info().Str("uid", uid).Msg("kit not registered")
		o.publish(state.Snapshot{Status: state.KitNotRegistered, LastUID: uid})
		o.emit(Event{Kind: EventKitUnregistered, UID: uid})
		return nil
	}
	if res.TookToday {
		log.Info().Str("uid", uid).Str("user_id", res.UserID.String()).Msg("dose already taken today")
		o.publish(state.Snapshot{Status: state.AlreadyTaken, LastUID: uid})
		return o.settle(ctx)
	}

	local := o.now().In(o.opts.Location)
	slot, ok := timegateSlot(local)
	if !ok {
		log.Info().Str("uid", uid).Int("hour", local.Hour()).Msg("outside dispensing hours")
		o.publish(state.Snapshot{Status: state.OutOfTime, LastUID: uid})
		return o.settle(ctx)
	}

	if !o.admission.Begin(res.UserID, uid) {
		return errors.New("session already active")
	}
	defer o.endSession()

	phases, err := o.api.BuildQueue(ctx, o.opts.MachineID, res.UserID)
	var formatErr *backend.ScheduleFormatError
	switch {
	case errors.As(err, &formatErr):
		log.Error().Err(err).Str("user_id", res.UserID.String()).Msg("unreadable schedule; treating as empty")
		phases = nil
	case err != nil:
		return fmt.Errorf("build queue for user %s: %w", res.UserID, err)
	}

	phases = dispensable(filterPhases(phases, slot))
	if len(phases) == 0 {
		log.Info().Str("user_id", res.UserID.String()).Str("slot", string(slot)).Msg("nothing to dispense")
		o.publish(state.Snapshot{Status: state.NoSchedule, LastUID: uid})
		return o.settle(ctx)
	}

	o.publish(state.Snapshot{Status: state.QueueReady, LastUID: uid, Phase: phases[0].TimeOfDay})
	log.Info().Str("user_id", res.UserID.String()).Int("phases", len(phases)).Msg("dispensing session started")

	out := o.runSession(ctx, Session{UserID: res.UserID, KitUID: uid}, phases)
	if out.ok() {
		log.Info().Str("user_id", res.UserID.String()).Msg("dispensing session completed")
		o.publish(state.Snapshot{Status: state.Done, LastUID: uid, Progress: out.progress})
	} else {
		log.Warn().Str("user_id", res.UserID.String()).Strs("problems", out.problems).Msg("dispensing session completed with errors")
		o.publish(state.Snapshot{Status: state.Error, LastUID: uid, Progress: out.progress, Error: out.summary()})
	}
	o.emit(Event{Kind: EventFinished, UID: uid, Message: out.summary()})
	return o.settle(ctx)
}

// endSession releases the session lock. Tags tapped while it was held are
// dropped, not queued for the next poll.
func (o *Orchestrator) endSession() {
	if o.admission.End() {
		o.discardStaleTags("session")
	}
}

func (o *Orchestrator) discardStaleTags(during string) {
	if err := o.dev.Discard(); err != nil {
		log.Warn().Err(err).Str("during", during).Msg("failed to discard pending tag reads")
	}
}

// settle holds a result on screen, then returns to waiting.
func (o *Orchestrator) settle(ctx context.Context) error {
	if err := o.pause(ctx, o.opts.ResultPause); err != nil {
		return err
	}
	o.publishWaiting()
	return nil
}

func (o *Orchestrator) publishWaiting() {
	o.publish(state.Snapshot{Status: state.WaitingUID})
	o.emit(Event{Kind: EventWaiting})
}

// publish replaces the snapshot and tells observers. A failed write is logged;
// it never stops the loop.
func (o *Orchestrator) publish(s state.Snapshot) {
	if s.TS == 0 {
		s.TS = float64(o.now().UnixNano()) / 1e9
	}
	if s.Progress == nil {
		s.Progress = dose.NewProgress()
	} else {
		s.Progress = s.Progress.Clone()
	}
	if err := o.pub.Publish(s); err != nil {
		log.Error().Err(err).Str("status", string(s.Status)).Msg("failed to publish state")
	}
	log.Debug().Str("status", string(s.Status)).Str("phase", string(s.Phase)).Msg("state published")
	o.last = s
	o.emit(Event{Kind: EventStatus, UID: s.LastUID, Message: s.Error})
}

func (o *Orchestrator) emit(e Event) {
	e.At = o.now()
	if e.Snapshot.Status == "" {
		e.Snapshot = o.last
	}
	for _, obs := range o.observers {
		obs.Notify(e)
	}
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) error {
	return o.sleep(ctx, d)
}

func (o *Orchestrator) returnHome(ctx context.Context) error {
	homeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalHomeTimeout)
	defer cancel()
	err := o.carousel.ReturnHome(homeCtx)
	if err != nil {
		log.Error().Err(err).Msg("failed to return carousel home")
	}
	return err
}
