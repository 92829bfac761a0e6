// Package notification delivers control loop events to caregivers as web push.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/dispense"
	"medication-dispenser/internal/dose"
	"medication-dispenser/internal/model"
	"medication-dispenser/internal/state"
	"medication-dispenser/internal/store"
)

// Notification kinds, as stored in a subscription's event filter.
const (
	KindDone                 = "done"
	KindError                = "error"
	KindKitNotRegistered     = "kit_not_registered"
	KindMachineNotRegistered = "machine_not_registered"
)

// Kinds lists every kind a subscription may ask for.
var Kinds = []string{KindDone, KindError, KindKitNotRegistered, KindMachineNotRegistered}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the part of the store the workers use.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Job is one notification to fan out to every interested subscription.
type Job struct {
	Kind  string    `json:"kind"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	UID   string    `json:"uid,omitempty"`
	At    time.Time `json:"ts"`
}

// WorkerPool manages a pool of workers for sending notifications. It observes
// the dispense loop and never blocks it: jobs that do not fit in the queue are dropped.
type WorkerPool struct {
	size    int
	jobs    chan Job
	store   SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender

	// machineAlerted suppresses repeats of the unregistered-machine alert until
	// the loop reaches waiting again. Only touched from Notify.
	machineAlerted bool
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s SubscriptionStore, webpushOptions *webpush.Options) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, size*4),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("push worker started")
	for {
		select {
		case job := <-wp.jobs:
			wp.deliver(ctx, job)
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("push worker shutting down")
			return
		}
	}
}

// Notify implements dispense.Observer.
func (wp *WorkerPool) Notify(e dispense.Event) {
	job, ok := wp.jobFor(e)
	if !ok {
		return
	}
	wp.Dispatch(job)
}

// Dispatch queues a job without blocking. It reports whether the job was accepted.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		log.Warn().Str("kind", job.Kind).Msg("push queue full; notification dropped")
		return false
	}
}

// jobFor maps a loop event to a caregiver notification.
func (wp *WorkerPool) jobFor(e dispense.Event) (Job, bool) {
	job := Job{UID: e.UID, At: e.At}
	switch e.Kind {
	case dispense.EventWaiting:
		wp.machineAlerted = false
		return job, false
	case dispense.EventFinished:
		if e.Snapshot.Status == state.Done {
			job.Kind, job.Title = KindDone, "Medication dispensed"
			job.Body = fmt.Sprintf("Doses for tag %s were dispensed: %s.", e.UID, phasesDone(e.Snapshot))
		} else {
			job.Kind, job.Title = KindError, "Dispensing incomplete"
			job.Body = fmt.Sprintf("Tag %s: %s", e.UID, e.Message)
		}
	case dispense.EventError:
		// Errors inside a session are summarised by EventFinished.
		if e.Snapshot.Status != state.Error {
			return job, false
		}
		job.Kind, job.Title, job.Body = KindError, "Dispenser error", e.Message
	case dispense.EventKitUnregistered:
		job.Kind, job.Title = KindKitNotRegistered, "Unknown tag"
		job.Body = fmt.Sprintf("Tag %s is not registered to any user.", e.UID)
	case dispense.EventMachineUnregistered:
		if wp.machineAlerted {
			return job, false
		}
		wp.machineAlerted = true
		job.Kind, job.Title = KindMachineNotRegistered, "Dispenser not registered"
		job.Body = fmt.Sprintf("Machine %s is waiting for backend registration.", e.UID)
	default:
		return job, false
	}
	return job, true
}

func phasesDone(s state.Snapshot) string {
	var done []string
	for _, tod := range dose.All {
		if s.Progress[tod] {
			done = append(done, string(tod))
		}
	}
	if len(done) == 0 {
		return "none"
	}
	return strings.Join(done, ", ")
}

// deliver fetches subscriptions and sends the job to each one that wants it.
func (wp *WorkerPool) deliver(ctx context.Context, job Job) {
	subscriptions, err := wp.store.Subscriptions(ctx)
	if err != nil {
		log.Error().Err(err).Str("kind", job.Kind).Msg("failed to fetch push subscriptions")
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode push payload")
		return
	}

	sent := 0
	for _, sub := range subscriptions {
		if !store.Wants(sub, job.Kind) {
			continue
		}
		wp.sendNotification(ctx, sub, payload)
		sent++
	}
	log.Debug().Str("kind", job.Kind).Int("subscriptions", sent).Msg("push notification sent")
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push send failed")
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Info().Str("endpoint", sub.Endpoint).Msg("push subscription expired; deleting")
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}
