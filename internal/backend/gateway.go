package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/dose"
)

// ScheduleFormatError means /queue/build answered with a shape that cannot be
// read as a list of phases.
type ScheduleFormatError struct {
	Reason string
	Body   string
}

func (e *ScheduleFormatError) Error() string {
	return fmt.Sprintf("invalid schedule: %s (body=%s)", e.Reason, e.Body)
}

// Resolution is the backend's answer for one RFID tag.
type Resolution struct {
	Registered bool    `json:"registered"`
	UserID     dose.ID `json:"user_id"`
	GroupID    dose.ID `json:"group_id,omitempty"`
	TookToday  Flag    `json:"took_today"`
}

// Flag decodes a boolean sent either as true/false or as 1/0.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1", `"1"`, `"true"`:
		*f = true
	case "false", "0", `"0"`, `"false"`, "null", `""`:
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", data)
	}
	return nil
}

type registeredResponse struct {
	Registered *bool `json:"registered"`
}

var checkPaths = []string{"/machine/check", "/machines/check"}

// MachineRegistered asks whether machineID is registered, trying the GET forms
// and then the POST forms of both check routes. The first route that answers
// with a readable body decides. It returns an error only when none did.
func (c *Client) MachineRegistered(ctx context.Context, machineID string) (bool, error) {
	var lastErr error
	attempt := func(method, path string) (bool, bool) {
		var resp registeredResponse
		var err error
		if method == http.MethodGet {
			err = c.call(ctx, method, path, url.Values{"machine_id": {machineID}}, nil, &resp)
		} else {
			err = c.call(ctx, method, path, nil, map[string]string{"machine_id": machineID}, &resp)
		}
		if err != nil {
			if !IsNotFound(err) {
				lastErr = err
			}
			log.Debug().Err(err).Str("method", method).Str("path", path).Msg("registration check route failed")
			return false, false
		}
		return resp.Registered != nil && *resp.Registered, true
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		for _, path := range checkPaths {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if registered, ok := attempt(method, path); ok {
				return registered, nil
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no registration route: %w", ErrUnavailable)
	}
	return false, lastErr
}

// Resolve maps a tag UID to its kit owner.
func (c *Client) Resolve(ctx context.Context, uid string) (*Resolution, error) {
	var res Resolution
	if err := c.call(ctx, http.MethodPost, "/rfid/resolve", nil, map[string]string{"uid": uid}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type buildQueueRequest struct {
	MachineID   string  `json:"machine_id"`
	UserID      dose.ID `json:"user_id"`
	ClientTS    int64   `json:"client_ts"`
	TZOffsetMin int     `json:"tz_offset_min"`
}

// BuildQueue fetches today's phases for userID. The backend may answer with
// {"queue": [...]} or a bare array; anything else is a *ScheduleFormatError.
func (c *Client) BuildQueue(ctx context.Context, machineID string, userID dose.ID) ([]dose.Phase, error) {
	req := buildQueueRequest{
		MachineID:   machineID,
		UserID:      userID,
		ClientTS:    c.now().Unix(),
		TZOffsetMin: c.tzOffset,
	}
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodPost, "/queue/build", nil, req, &raw); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, &ScheduleFormatError{Reason: "not JSON", Body: err.Error()}
		}
		return nil, err
	}
	return ParseSchedule(raw)
}

type wirePhase struct {
	Time  dose.TimeOfDay    `json:"time"`
	Items []json.RawMessage `json:"items"`
}

type wireItem struct {
	Slot       *int    `json:"slot"`
	Count      *int    `json:"count"`
	MedicineID dose.ID `json:"medi_id"`
}

// ParseSchedule decodes a /queue/build body. Items missing a count dispense one
// pill; a slot outside 1..3 rejects the whole schedule. Time-of-day values are not
// checked here.
func ParseSchedule(raw []byte) ([]dose.Phase, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	var list json.RawMessage
	switch body[0] {
	case '[':
		list = body
	case '{':
		var envelope struct {
			Queue json.RawMessage `json:"queue"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &ScheduleFormatError{Reason: err.Error(), Body: truncate(body, 200)}
		}
		list = bytes.TrimSpace(envelope.Queue)
		if len(list) == 0 || bytes.Equal(list, []byte("null")) {
			return nil, nil
		}
	default:
		return nil, &ScheduleFormatError{Reason: "expected object or array", Body: truncate(body, 200)}
	}

	var wire []wirePhase
	if err := json.Unmarshal(list, &wire); err != nil {
		return nil, &ScheduleFormatError{Reason: "queue is not a list of phases", Body: truncate(body, 200)}
	}

	phases := make([]dose.Phase, 0, len(wire))
	for _, wp := range wire {
		p := dose.Phase{TimeOfDay: wp.Time, Items: make([]dose.Item, 0, len(wp.Items))}
		for _, rawItem := range wp.Items {
			var wi wireItem
			if err := json.Unmarshal(rawItem, &wi); err != nil {
				return nil, &ScheduleFormatError{Reason: "malformed item", Body: truncate(rawItem, 200)}
			}
			if wi.Slot == nil || *wi.Slot < 1 || *wi.Slot > 3 {
				return nil, &ScheduleFormatError{Reason: "slot must be 1..3", Body: truncate(rawItem, 200)}
			}
			count := 1
			if wi.Count != nil {
				count = *wi.Count
			}
			if count <= 0 {
				return nil, &ScheduleFormatError{Reason: "count must be positive", Body: truncate(rawItem, 200)}
			}
			p.Items = append(p.Items, dose.Item{Slot: *wi.Slot, Count: count, MedicineID: wi.MedicineID})
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// ReportDispense delivers one phase outcome.
func (c *Client) ReportDispense(ctx context.Context, r dose.Report) error {
	return c.call(ctx, http.MethodPost, "/dispense/report", nil, r, nil)
}

type heartbeatRequest struct {
	MachineID string  `json:"machine_id"`
	Status    string  `json:"status"`
	TS        float64 `json:"ts"`
}

// Heartbeat announces liveness, falling back to the plural route on 404.
func (c *Client) Heartbeat(ctx context.Context, machineID, status string) error {
	now := c.now()
	req := heartbeatRequest{
		MachineID: machineID,
		Status:    status,
		TS:        float64(now.UnixNano()) / float64(time.Second),
	}
	err := c.call(ctx, http.MethodPost, "/machine/heartbeat", nil, req, nil)
	if IsNotFound(err) {
		err = c.call(ctx, http.MethodPost, "/machines/heartbeat", nil, req, nil)
	}
	return err
}
