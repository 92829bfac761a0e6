package dispense

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medication-dispenser/internal/backend"
	"medication-dispenser/internal/carousel"
	"medication-dispenser/internal/device"
	"medication-dispenser/internal/dose"
	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/state"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

// read is one scripted tag poll: after elapses first, then uid (or err) is returned.
type read struct {
	uid   string
	after time.Duration
	err   error
}

type fakeDevice struct {
	clock  *fakeClock
	reads  []read
	cancel context.CancelFunc
	cmds   []string

	// DispenseFunc, if set, decides each DISPENSE outcome; n counts DISPENSE calls from 1.
	DispenseFunc func(n, slot, count int) (string, error)
	StepNextFunc func() (string, error)
	dispenses    int
	discards     int
}

func (d *fakeDevice) ReadUID(context.Context) (string, error) {
	if len(d.reads) == 0 {
		d.cancel()
		return "", nil
	}
	r := d.reads[0]
	d.reads = d.reads[1:]
	d.clock.now = d.clock.now.Add(r.after)
	return r.uid, r.err
}

func (d *fakeDevice) Dispense(_ context.Context, slot, count int) (string, error) {
	d.cmds = append(d.cmds, fmt.Sprintf("DISPENSE,%d,%d", slot, count))
	d.dispenses++
	if d.DispenseFunc != nil {
		return d.DispenseFunc(d.dispenses, slot, count)
	}
	return "OK,DONE", nil
}

func (d *fakeDevice) StepNext(context.Context) (string, error) {
	d.cmds = append(d.cmds, "STEP,NEXT")
	if d.StepNextFunc != nil {
		return d.StepNextFunc()
	}
	return "OK,STEP", nil
}

func (d *fakeDevice) Discard() error {
	d.discards++
	return nil
}

func (d *fakeDevice) Home(context.Context) (string, error) {
	d.cmds = append(d.cmds, "HOME")
	return "OK,HOME", nil
}

type fakeBackend struct {
	resolves   []string
	builds     int
	reports    []dose.Report
	heartbeats int
	inFlight   int

	MachineRegisteredFunc func() (bool, error)
	ResolveFunc           func(uid string) (*backend.Resolution, error)
	BuildQueueFunc        func(userID dose.ID) ([]dose.Phase, error)
	ReportDispenseFunc    func(n int, r dose.Report) error
	HeartbeatFunc         func() error
}

func (b *fakeBackend) MachineRegistered(context.Context, string) (bool, error) {
	if b.MachineRegisteredFunc != nil {
		return b.MachineRegisteredFunc()
	}
	return true, nil
}

func (b *fakeBackend) Resolve(_ context.Context, uid string) (*backend.Resolution, error) {
	b.resolves = append(b.resolves, uid)
	if b.ResolveFunc != nil {
		return b.ResolveFunc(uid)
	}
	return &backend.Resolution{Registered: true, UserID: dose.ID(`7`)}, nil
}

func (b *fakeBackend) BuildQueue(_ context.Context, _ string, userID dose.ID) ([]dose.Phase, error) {
	b.builds++
	b.inFlight++
	defer func() { b.inFlight-- }()
	if b.inFlight > 1 {
		panic("concurrent schedule fetch")
	}
	if b.BuildQueueFunc != nil {
		return b.BuildQueueFunc(userID)
	}
	return fullSchedule(), nil
}

func (b *fakeBackend) ReportDispense(_ context.Context, r dose.Report) error {
	b.reports = append(b.reports, r)
	if b.ReportDispenseFunc != nil {
		return b.ReportDispenseFunc(len(b.reports), r)
	}
	return nil
}

func (b *fakeBackend) Heartbeat(context.Context, string, string) error {
	b.heartbeats++
	if b.HeartbeatFunc != nil {
		return b.HeartbeatFunc()
	}
	return nil
}

func fullSchedule() []dose.Phase {
	return []dose.Phase{
		{TimeOfDay: dose.Morning, Items: []dose.Item{{Slot: 1, Count: 2, MedicineID: dose.ID(`101`)}}},
		{TimeOfDay: dose.Afternoon, Items: []dose.Item{{Slot: 2, Count: 1, MedicineID: dose.ID(`102`)}}},
		{TimeOfDay: dose.Evening, Items: []dose.Item{{Slot: 3, Count: 1, MedicineID: dose.ID(`103`)}}},
	}
}

type harness struct {
	o        *Orchestrator
	dev      *fakeDevice
	api      *fakeBackend
	queue    *offline.Queue
	pub      *state.Memory
	clock    *fakeClock
	statuses []state.Status
	events   []Event
}

func newHarness(t *testing.T, hour int, tweak func(*Options)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, hour, 0, 0, 0, time.UTC)}
	store, err := offline.NewFileStore(filepath.Join(t.TempDir(), "offline.jsonl"))
	require.NoError(t, err)

	h := &harness{
		dev:   &fakeDevice{clock: clock},
		api:   &fakeBackend{},
		queue: offline.NewQueue(store),
		pub:   state.NewMemory(),
		clock: clock,
	}
	opts := Options{
		MachineID:        "MACHINE-0001",
		DeviceUID:        "MACHINE-0001",
		Location:         time.UTC,
		UIDCooldown:      2 * time.Second,
		RegistrationPoll: 5 * time.Second,
		ResultPause:      3 * time.Second,
		ErrorBackoff:     5 * time.Second,
		StepGap:          150 * time.Millisecond,
		ItemGap:          500 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.o = New(opts, Deps{Device: h.dev, Backend: h.api, Queue: h.queue, Publisher: h.pub})
	h.o.now = clock.Now
	h.o.sleep = clock.Sleep
	h.o.Subscribe(ObserverFunc(func(e Event) {
		h.events = append(h.events, e)
		if e.Kind == EventStatus {
			h.statuses = append(h.statuses, e.Snapshot.Status)
		}
	}))
	return h
}

func (h *harness) run(t *testing.T, reads ...read) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dev.cancel = cancel
	h.dev.reads = reads
	return h.o.Run(ctx)
}

func (h *harness) lastStatus(t *testing.T, s state.Status) state.Snapshot {
	t.Helper()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind == EventStatus && h.events[i].Snapshot.Status == s {
			return h.events[i].Snapshot
		}
	}
	t.Fatalf("status %s never published", s)
	return state.Snapshot{}
}

func reportTimes(reports []dose.Report) []dose.TimeOfDay {
	out := make([]dose.TimeOfDay, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.Time)
	}
	return out
}

func TestRun_MorningDispensesEveryPhase(t *testing.T) {
	h := newHarness(t, 10, nil)

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{
		"DISPENSE,1,2",
		"STEP,NEXT", "DISPENSE,2,1",
		"STEP,NEXT", "DISPENSE,3,1",
		"HOME",
	}, h.dev.cmds)
	assert.Equal(t, []dose.TimeOfDay{dose.Morning, dose.Afternoon, dose.Evening}, reportTimes(h.api.reports))
	assert.Equal(t, 2, h.dev.discards, "after registration and after the session")
	for _, r := range h.api.reports {
		assert.Equal(t, dose.Completed, r.Result)
		assert.Equal(t, "MACHINE-0001", r.MachineID)
		assert.Equal(t, "7", r.UserID.String())
		assert.NotEmpty(t, r.ClientTxID)
	}

	done := h.lastStatus(t, state.Done)
	assert.Equal(t, dose.Progress{dose.Morning: true, dose.Afternoon: true, dose.Evening: true}, done.Progress)
	assert.Equal(t, "04A1B2C3", done.LastUID)

	latest, ok := h.pub.Latest()
	require.True(t, ok)
	assert.Equal(t, state.WaitingUID, latest.Status)
	stage, known := h.o.carousel.Stage()
	assert.Equal(t, 0, stage)
	assert.True(t, known)
	_, active := h.o.admission.active()
	assert.False(t, active)
}

func TestRun_StatusSequence(t *testing.T) {
	h := newHarness(t, 19, nil)
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		return []dose.Phase{{TimeOfDay: dose.Evening, Items: []dose.Item{{Slot: 3, Count: 1}}}}, nil
	}

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []state.Status{
		state.WaitingUID,
		state.ResolvingUID,
		state.QueueReady,
		state.Moving,
		state.Dispensing,
		state.Dispensing, // after the item
		state.Dispensing, // after the report step
		state.Returning,
		state.Done,
		state.WaitingUID,
	}, h.statuses)
	assert.Empty(t, h.api.reports, "items without a medicine id are not reported")
}

func TestRun_AfternoonSkipsMorning(t *testing.T) {
	h := newHarness(t, 14, nil)

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{
		"STEP,NEXT", "DISPENSE,2,1",
		"STEP,NEXT", "DISPENSE,3,1",
		"HOME",
	}, h.dev.cmds)
	assert.NotContains(t, h.dev.cmds, "DISPENSE,1,2")
	assert.Equal(t, []dose.TimeOfDay{dose.Afternoon, dose.Evening}, reportTimes(h.api.reports))
	done := h.lastStatus(t, state.Done)
	assert.False(t, done.Progress[dose.Morning])
	assert.True(t, done.Progress[dose.Afternoon])
	assert.True(t, done.Progress[dose.Evening])
}

func TestRun_OutOfHoursIssuesNoCommands(t *testing.T) {
	h := newHarness(t, 2, nil)

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Empty(t, h.dev.cmds)
	assert.Zero(t, h.api.builds, "schedule is never fetched")
	assert.Contains(t, h.statuses, state.OutOfTime)
	assert.Equal(t, []string{"04A1B2C3"}, h.api.resolves)
}

func TestRun_OutOfOrderScheduleIsSorted(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		s := fullSchedule()
		return []dose.Phase{s[2], s[0], s[1]}, nil
	}

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{
		"DISPENSE,1,2",
		"STEP,NEXT", "DISPENSE,2,1",
		"STEP,NEXT", "DISPENSE,3,1",
		"HOME",
	}, h.dev.cmds)
}

func TestRun_TimeoutThenRetrySucceeds(t *testing.T) {
	h := newHarness(t, 14, nil)
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		return []dose.Phase{{TimeOfDay: dose.Afternoon, Items: []dose.Item{{Slot: 2, Count: 1, MedicineID: dose.ID(`5`)}}}}, nil
	}
	h.dev.DispenseFunc = func(n, _, _ int) (string, error) {
		if n == 1 {
			return "", fmt.Errorf("DISPENSE,2,1: %w", device.ErrTimeout)
		}
		return "OK,DONE", nil
	}

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{"STEP,NEXT", "DISPENSE,2,1", "DISPENSE,2,1", "HOME"}, h.dev.cmds)
	require.Len(t, h.api.reports, 1)
	assert.Equal(t, dose.Completed, h.api.reports[0].Result)
	assert.True(t, h.lastStatus(t, state.Done).Progress[dose.Afternoon])
}

func TestRun_TwoFailuresMarkPhaseFailedWithoutThirdAttempt(t *testing.T) {
	h := newHarness(t, 19, nil)
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		return []dose.Phase{{TimeOfDay: dose.Evening, Items: []dose.Item{
			{Slot: 1, Count: 1, MedicineID: dose.ID(`1`)},
			{Slot: 3, Count: 1, MedicineID: dose.ID(`3`)},
		}}}, nil
	}
	h.dev.DispenseFunc = func(_, slot, _ int) (string, error) {
		if slot == 3 {
			return "ERR,JAM", &device.ProtocolError{Command: "DISPENSE,3,1", Line: "ERR,JAM"}
		}
		return "OK,DONE", nil
	}

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{"STEP,NEXT", "STEP,NEXT", "DISPENSE,1,1", "DISPENSE,3,1", "DISPENSE,3,1", "HOME"}, h.dev.cmds)
	require.Len(t, h.api.reports, 1)
	assert.Equal(t, dose.Partial, h.api.reports[0].Result)
	snap := h.lastStatus(t, state.Error)
	assert.False(t, snap.Progress[dose.Evening])
	assert.Contains(t, snap.Error, "1 of 2 items")
}

func TestRun_DryRunDoesNotRetry(t *testing.T) {
	h := newHarness(t, 19, func(o *Options) { o.DryRun = true })
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		return []dose.Phase{{TimeOfDay: dose.Evening, Items: []dose.Item{{Slot: 3, Count: 1}}}}, nil
	}
	h.dev.DispenseFunc = func(int, int, int) (string, error) { return "", device.ErrTimeout }

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, 1, h.dev.dispenses)
}

func TestRun_ReportFailureQueuesAndHeartbeatFlushes(t *testing.T) {
	h := newHarness(t, 19, func(o *Options) { o.Heartbeat = 10 * time.Second })
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		return []dose.Phase{{TimeOfDay: dose.Evening, Items: []dose.Item{{Slot: 3, Count: 1, MedicineID: dose.ID(`9`)}}}}, nil
	}
	h.api.ReportDispenseFunc = func(n int, _ dose.Report) error {
		if n == 1 {
			return fmt.Errorf("POST /dispense/report: %w", backend.ErrUnavailable)
		}
		return nil
	}

	var pendingAfterSession []offline.Record
	h.api.HeartbeatFunc = func() error {
		if h.api.heartbeats == 2 {
			var err error
			pendingAfterSession, err = h.queue.Pending(context.Background())
			require.NoError(t, err)
		}
		return nil
	}

	require.NoError(t, h.run(t,
		read{uid: "04A1B2C3"},
		read{after: 10 * time.Second},
	))

	require.Len(t, pendingAfterSession, 1, "report was queued before the next heartbeat")
	assert.Equal(t, dose.Evening, pendingAfterSession[0].Time)

	snap := h.lastStatus(t, state.Error)
	assert.False(t, snap.Progress[dose.Evening], "an undelivered report fails the phase")

	assert.Equal(t, 2, h.api.heartbeats)
	require.Len(t, h.api.reports, 2)
	assert.Equal(t, h.api.reports[0].ClientTxID, h.api.reports[1].ClientTxID, "redelivery reuses the idempotency key")

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "flush removed the delivered record")
}

func TestRun_FailedHeartbeatDoesNotFlush(t *testing.T) {
	h := newHarness(t, 10, func(o *Options) { o.Heartbeat = time.Second })
	require.NoError(t, h.queue.Append(context.Background(), dose.Report{MachineID: "MACHINE-0001", Time: dose.Morning}))
	h.api.HeartbeatFunc = func() error { return backend.ErrUnavailable }

	require.NoError(t, h.run(t, read{}, read{after: 2 * time.Second}))

	assert.Equal(t, 2, h.api.heartbeats)
	assert.Empty(t, h.api.reports)
	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRun_CooldownSuppressesRepeatReads(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.api.ResolveFunc = func(string) (*backend.Resolution, error) {
		return &backend.Resolution{Registered: false}, nil
	}

	require.NoError(t, h.run(t,
		read{uid: "04A1B2C3"},
		read{uid: "04A1B2C3", after: 500 * time.Millisecond},
		read{uid: "04A1B2C3", after: 500 * time.Millisecond},
		read{uid: "04A1B2C3", after: 1500 * time.Millisecond},
	))

	assert.Equal(t, []string{"04A1B2C3", "04A1B2C3"}, h.api.resolves, "only the first read and the one after the window")
	assert.Contains(t, h.statuses, state.KitNotRegistered)
	assert.Empty(t, h.dev.cmds)
}

func TestRun_SessionsNeverOverlap(t *testing.T) {
	h := newHarness(t, 10, nil)

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}, read{uid: "0BADCAFE"}))

	assert.Equal(t, 2, h.api.builds)
	assert.Equal(t, []string{"04A1B2C3", "0BADCAFE"}, h.api.resolves)
}

func TestRun_AlreadyTaken(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.api.ResolveFunc = func(string) (*backend.Resolution, error) {
		return &backend.Resolution{Registered: true, UserID: dose.ID(`7`), TookToday: true}, nil
	}
	start := h.clock.now

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []state.Status{state.WaitingUID, state.ResolvingUID, state.AlreadyTaken, state.WaitingUID}, h.statuses)
	assert.Zero(t, h.api.builds)
	assert.Equal(t, 3*time.Second, h.clock.now.Sub(start), "result is held for the pause")
}

func TestRun_EmptyOrMalformedScheduleIsNoSchedule(t *testing.T) {
	testCases := []struct {
		name  string
		build func(dose.ID) ([]dose.Phase, error)
	}{
		{"empty", func(dose.ID) ([]dose.Phase, error) { return nil, nil }},
		{"only earlier phases", func(dose.ID) ([]dose.Phase, error) { return fullSchedule()[:1], nil }},
		{"phases without items", func(dose.ID) ([]dose.Phase, error) {
			return []dose.Phase{{TimeOfDay: dose.Evening}}, nil
		}},
		{"format error", func(dose.ID) ([]dose.Phase, error) {
			return nil, &backend.ScheduleFormatError{Reason: "expected object or array"}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 14, nil)
			h.api.BuildQueueFunc = tc.build

			require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

			assert.Contains(t, h.statuses, state.NoSchedule)
			assert.NotContains(t, h.statuses, state.Error)
			assert.Empty(t, h.dev.cmds)
			_, active := h.o.admission.active()
			assert.False(t, active)
		})
	}
}

func TestRun_BackendFaultReleasesSessionAndContinues(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.api.BuildQueueFunc = func(dose.ID) ([]dose.Phase, error) {
		if h.api.builds == 1 {
			return nil, fmt.Errorf("POST /queue/build: %w", backend.ErrUnavailable)
		}
		return fullSchedule(), nil
	}
	start := h.clock.now

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}, read{uid: "04A1B2C3"}))

	snap := h.lastStatus(t, state.Error)
	assert.Contains(t, snap.Error, "backend unavailable")
	assert.Equal(t, 2, h.api.builds, "the next read starts a fresh session")
	assert.Contains(t, h.statuses, state.Done)
	assert.GreaterOrEqual(t, h.clock.now.Sub(start), 5*time.Second, "fault backoff applied")
}

func TestRun_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.api.ResolveFunc = func(uid string) (*backend.Resolution, error) {
		if len(h.api.resolves) == 1 {
			panic("nil map write")
		}
		return &backend.Resolution{Registered: true, UserID: dose.ID(`7`)}, nil
	}

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}, read{uid: "0BADCAFE"}))

	snap := h.lastStatus(t, state.Error)
	assert.Contains(t, snap.Error, "panic")
	assert.Contains(t, h.statuses, state.Done)
}

func TestRun_PanicMidSessionReturnsHome(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.dev.StepNextFunc = func() (string, error) { panic("driver bug") }

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{"DISPENSE,1,2", "STEP,NEXT", "HOME"}, h.dev.cmds)
	_, active := h.o.admission.active()
	assert.False(t, active)
}

func TestRun_CarouselFailureStopsPhasesButHomes(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.dev.StepNextFunc = func() (string, error) { return "", device.ErrTimeout }

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}))

	assert.Equal(t, []string{"DISPENSE,1,2", "STEP,NEXT", "HOME"}, h.dev.cmds)
	assert.Equal(t, []dose.TimeOfDay{dose.Morning}, reportTimes(h.api.reports))
	snap := h.lastStatus(t, state.Error)
	assert.True(t, snap.Progress[dose.Morning])
	assert.False(t, snap.Progress[dose.Afternoon])
	assert.Contains(t, snap.Error, "step 1 of 1")
}

func TestRun_PortLossIsFatal(t *testing.T) {
	h := newHarness(t, 10, nil)
	lost := fmt.Errorf("read /dev/ttyACM0: %w: %w", device.ErrPortUnavailable, errors.New("EOF"))

	err := h.run(t, read{err: lost})

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, device.ErrPortUnavailable)
	latest, _ := h.pub.Latest()
	assert.Equal(t, state.Error, latest.Status)
}

func TestRun_WaitsForRegistration(t *testing.T) {
	h := newHarness(t, 10, nil)
	checks := 0
	h.api.MachineRegisteredFunc = func() (bool, error) {
		checks++
		switch checks {
		case 1:
			return false, nil
		case 2:
			return false, backend.ErrUnavailable
		default:
			return true, nil
		}
	}
	start := h.clock.now

	require.NoError(t, h.run(t))

	assert.Equal(t, []state.Status{state.MachineNotRegistered, state.MachineNotRegistered, state.WaitingUID}, h.statuses)
	assert.Equal(t, 10*time.Second, h.clock.now.Sub(start))
	var unregistered int
	for _, e := range h.events {
		if e.Kind == EventMachineUnregistered {
			unregistered++
			assert.Equal(t, "MACHINE-0001", e.UID)
		}
	}
	assert.Equal(t, 2, unregistered)
}

func TestRun_CancelledWhileUnregistered(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.api.MachineRegisteredFunc = func() (bool, error) {
		cancel()
		return false, nil
	}
	h.dev.cancel = cancel

	assert.NoError(t, h.o.Run(ctx))
}

func TestRun_EventsForObservers(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.api.ResolveFunc = func(uid string) (*backend.Resolution, error) {
		if uid == "0BADCAFE" {
			return &backend.Resolution{Registered: false}, nil
		}
		return &backend.Resolution{Registered: true, UserID: dose.ID(`7`)}, nil
	}

	require.NoError(t, h.run(t, read{uid: "04A1B2C3"}, read{uid: "0BADCAFE"}))

	var kinds []EventKind
	for _, e := range h.events {
		if e.Kind != EventStatus {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []EventKind{
		EventWaiting,
		EventUIDSeen, EventFinished, EventWaiting,
		EventUIDSeen, EventKitUnregistered,
	}, kinds)
	for _, e := range h.events {
		if e.Kind == EventFinished {
			assert.Equal(t, state.Done, e.Snapshot.Status)
			assert.Equal(t, "04A1B2C3", e.UID)
		}
	}
}

func TestOutcome_DuplicatePhaseNeedsBoth(t *testing.T) {
	out := newOutcome()
	out.mark(dose.Evening, false)
	out.mark(dose.Evening, true)
	assert.False(t, out.progress[dose.Evening])
}

// tagPort is a board behind a real device.Link: every command is answered
// with OK and tapped tags queue up until read. IdleFunc runs on every read
// that finds nothing pending.
type tagPort struct {
	pending  []byte
	writes   []string
	IdleFunc func()
}

func (p *tagPort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		if p.IdleFunc != nil {
			p.IdleFunc()
		}
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *tagPort) Write(b []byte) (int, error) {
	cmd := strings.TrimSuffix(string(b), "\n")
	p.writes = append(p.writes, cmd)
	p.pending = append(p.pending, "OK,"+cmd+"\n"...)
	return len(b), nil
}

func (p *tagPort) tap(uid string)                     { p.pending = append(p.pending, uid+"\n"...) }
func (p *tagPort) Close() error                       { return nil }
func (p *tagPort) ResetInputBuffer() error            { p.pending = p.pending[:0]; return nil }
func (p *tagPort) SetReadTimeout(time.Duration) error { return nil }

// newLinkHarness swaps the scripted device for a real link over a tagPort.
func newLinkHarness(t *testing.T, hour int) (*harness, *tagPort, context.Context, context.CancelFunc) {
	t.Helper()
	h := newHarness(t, hour, nil)
	port := &tagPort{}
	link := device.NewLink(port, "fake", time.Millisecond)
	h.o.dev = link
	h.o.carousel = carousel.New(link, h.o.opts.StepGap).WithSleeper(h.o.pause)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return h, port, ctx, cancel
}

func TestRun_TagTappedWhileUnregisteredIsDropped(t *testing.T) {
	h, port, ctx, cancel := newLinkHarness(t, 10)
	checks := 0
	h.api.MachineRegisteredFunc = func() (bool, error) {
		checks++
		if checks == 1 {
			port.tap("04A1B2C3")
			return false, nil
		}
		return true, nil
	}
	port.IdleFunc = cancel

	require.NoError(t, h.o.Run(ctx))

	assert.Empty(t, h.api.resolves)
	assert.Zero(t, h.api.builds)
	assert.Empty(t, port.writes)
	assert.Equal(t, []state.Status{state.MachineNotRegistered, state.WaitingUID}, h.statuses)
}

func TestRun_TagTappedDuringSessionIsDropped(t *testing.T) {
	h, port, ctx, cancel := newLinkHarness(t, 10)
	idle := 0
	port.IdleFunc = func() {
		idle++
		switch {
		case idle == 1:
			port.tap("04A1B2C3")
		case h.api.builds > 0:
			cancel()
		}
	}
	sleep := h.o.sleep
	h.o.sleep = func(ctx context.Context, d time.Duration) error {
		if _, active := h.o.admission.active(); active && d == h.o.opts.ResultPause {
			port.tap("0BADCAFE")
		}
		return sleep(ctx, d)
	}

	require.NoError(t, h.o.Run(ctx))

	assert.Equal(t, []string{"04A1B2C3"}, h.api.resolves)
	assert.Equal(t, 1, h.api.builds)
	assert.Equal(t, []string{"DISPENSE,1,2", "STEP,NEXT", "DISPENSE,2,1", "STEP,NEXT", "DISPENSE,3,1", "HOME"}, port.writes)
	_, active := h.o.admission.active()
	assert.False(t, active)
}

