package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"medication-dispenser/internal/dose"
)

// User is a person bound to this machine.
type User struct {
	UserID dose.ID `json:"user_id"`
	Name   string  `json:"name"`
	Role   string  `json:"role,omitempty"`
}

// Slot is the inventory of one compartment.
type Slot struct {
	SlotNumber int    `json:"slot_number"`
	Name       string `json:"name"`
	Remain     int    `json:"remain"`
	Total      int    `json:"total"`
}

// ScheduleEntry is one line of today's schedule across all users.
type ScheduleEntry struct {
	UserName     string         `json:"user_name"`
	MedicineName string         `json:"medicine_name"`
	TimeOfDay    dose.TimeOfDay `json:"time_of_day"`
	Dose         int            `json:"dose"`
}

// HistoryEntry is one recorded dispense.
type HistoryEntry struct {
	UserName    string `json:"user_name"`
	DispensedAt string `json:"dispensed_at"`
}

func machineQuery(machineID string) url.Values {
	return url.Values{"machine_id": {machineID}}
}

// Users lists the users registered to machineID.
func (c *Client) Users(ctx context.Context, machineID string) ([]User, error) {
	var out []User
	err := c.call(ctx, http.MethodGet, "/machine/users", machineQuery(machineID), nil, &out)
	return out, err
}

// Slots lists the compartment inventory of machineID.
func (c *Client) Slots(ctx context.Context, machineID string) ([]Slot, error) {
	var out []Slot
	err := c.call(ctx, http.MethodGet, "/machine/slots", machineQuery(machineID), nil, &out)
	return out, err
}

// TodaySchedules lists today's schedule entries for every user of machineID.
func (c *Client) TodaySchedules(ctx context.Context, machineID string) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	err := c.call(ctx, http.MethodGet, "/schedules/today", machineQuery(machineID), nil, &out)
	return out, err
}

// DoseHistory lists dispenses recorded since the start of the given day.
func (c *Client) DoseHistory(ctx context.Context, machineID string, since time.Time) ([]HistoryEntry, error) {
	q := machineQuery(machineID)
	q.Set("start_date", since.Format("2006-01-02"))
	var out []HistoryEntry
	err := c.call(ctx, http.MethodGet, "/dose/history", q, nil, &out)
	return out, err
}
