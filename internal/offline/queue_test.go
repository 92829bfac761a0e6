package offline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medication-dispenser/internal/dose"
)

type mockSender struct {
	sent []string
	// ReportDispenseFunc decides the outcome of each delivery.
	ReportDispenseFunc func(r dose.Report) error
}

func (m *mockSender) ReportDispense(_ context.Context, r dose.Report) error {
	if m.ReportDispenseFunc != nil {
		if err := m.ReportDispenseFunc(r); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, string(r.Time))
	return nil
}

func report(t dose.TimeOfDay) dose.Report {
	return dose.Report{
		MachineID: "MACHINE-0001",
		UserID:    dose.ID(`7`),
		Time:      t,
		Items:     []dose.Item{{Slot: 1, Count: 2, MedicineID: dose.ID(`"A1"`)}},
		Result:    dose.Completed,
	}
}

func newTestQueue(t *testing.T) (*Queue, *FileStore) {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "data", "offline_reports.jsonl"))
	require.NoError(t, err)
	q := NewQueue(fs)
	q.now = func() time.Time { return time.Date(2025, 3, 1, 1, 2, 3, 0, time.UTC) }
	return q, fs
}

func timesOf(recs []Record) []dose.TimeOfDay {
	out := make([]dose.TimeOfDay, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Time)
	}
	return out
}

func TestAppend_WritesOneLinePerRecord(t *testing.T) {
	q, fs := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, report(dose.Morning)))
	withID := report(dose.Evening)
	withID.ClientTxID = "fixed-id"
	require.NoError(t, q.Append(ctx, withID))

	data, err := os.ReadFile(fs.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"machine_id":"MACHINE-0001"`)
	assert.Contains(t, lines[0], `"time":"morning"`)
	assert.Contains(t, lines[0], `"items":[{"slot":1,"count":2,"medi_id":"A1"}]`)
	assert.Contains(t, lines[0], `"result":"completed"`)
	assert.Contains(t, lines[0], `"queued_at":"2025-03-01T01:02:03Z"`)
	assert.Contains(t, lines[1], `"client_tx_id":"fixed-id"`)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending[0].ClientTxID, 26, "ulid")
	assert.Equal(t, "fixed-id", pending[1].ClientTxID)
}

func TestFlush_RemovesDeliveredAndKeepsOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, tod := range []dose.TimeOfDay{dose.Morning, dose.Afternoon, dose.Evening} {
		require.NoError(t, q.Append(ctx, report(tod)))
	}

	sender := &mockSender{ReportDispenseFunc: func(r dose.Report) error {
		if r.Time == dose.Afternoon {
			return errors.New("503")
		}
		return nil
	}}
	sent, err := q.Flush(ctx, sender)

	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"morning", "evening"}, sender.sent)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []dose.TimeOfDay{dose.Afternoon}, timesOf(pending))
}

func TestFlush_FailureRetainsEverythingInOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Append(ctx, report(dose.Evening)))
	require.NoError(t, q.Append(ctx, report(dose.Morning)))

	sent, err := q.Flush(ctx, &mockSender{ReportDispenseFunc: func(dose.Report) error { return errors.New("down") }})

	require.NoError(t, err)
	assert.Zero(t, sent)
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []dose.TimeOfDay{dose.Evening, dose.Morning}, timesOf(pending))

	sent, err = q.Flush(ctx, &mockSender{})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlush_ResendsSameTxID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	r := report(dose.Morning)
	r.ClientTxID = "01JTESTTX"
	require.NoError(t, q.Append(ctx, r))

	var got string
	_, err := q.Flush(ctx, &mockSender{ReportDispenseFunc: func(r dose.Report) error {
		got = r.ClientTxID
		return nil
	}})

	require.NoError(t, err)
	assert.Equal(t, "01JTESTTX", got)
}

func TestFlush_EmptyOrMissingFile(t *testing.T) {
	q, _ := newTestQueue(t)

	sent, err := q.Flush(context.Background(), &mockSender{})

	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestFileStore_LegacyAndCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.jsonl")
	legacy := `{"machine_id":"M","user_id":"3","time":"morning","items":[{"medi_id":1,"count":1}],"result":"partial"}`
	content := legacy + "\n" + "{not json\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	fs, err := NewFileStore(path)
	require.NoError(t, err)
	q := NewQueue(fs)
	ctx := context.Background()

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, strings.HasPrefix(pending[0].ClientTxID, "legacy-"))
	assert.Equal(t, dose.Partial, pending[0].Result)

	sent, err := q.Flush(ctx, &mockSender{})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json\n", string(data), "unreadable lines are preserved for inspection")
}

func TestFlush_StopsOnCancelledContext(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Append(context.Background(), report(dose.Morning)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent, err := q.Flush(ctx, &mockSender{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sent)
}
