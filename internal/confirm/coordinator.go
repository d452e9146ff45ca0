/**
 * @description
 * Per-ticket confirmation coordinator. One coordinator drives a single
 * payment attempt for a connected client: it initiates the push, watches the
 * snapshot feed for the outcome, and owns the two timers of the flow - the
 * confirmation deadline that unlocks manual actions, and the single-fire
 * redirect delay after confirmation. Everything race-prone funnels through
 * one mutex-guarded confirmed flag, so a webhook, a manual poll, and a
 * duplicate snapshot can all report success and the client still sees
 * exactly one confirmation and one redirect.
 *
 * @dependencies
 * - internal/app: Initiation and manual poll operations.
 * - internal/feed: Snapshot subscription for the watched ticket.
 */
package confirm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gachezra/rnr-pay/internal/app"
	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
)

// State is where the confirmation flow currently stands.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingGateway      State = "awaiting_gateway"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateManualActions        State = "manual_actions"
	StateConfirmed            State = "confirmed"
	StateFailed               State = "failed"
)

// EventKind tags what a coordinator event announces.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventRedirect     EventKind = "redirect"
)

// Event is pushed to the client for every state change, plus exactly one
// redirect event after confirmation.
type Event struct {
	Kind   EventKind           `json:"kind"`
	State  State               `json:"state"`
	Ticket *domain.Ticket      `json:"ticket,omitempty"`
	Status domain.TicketStatus `json:"status,omitempty"`
	Detail string              `json:"detail,omitempty"`
}

// ErrClosed rejects operations on a coordinator that was already closed.
var ErrClosed = errors.New("coordinator is closed")

// Options tune the coordinator's timers. Zero values take the defaults;
// tests shrink them to milliseconds.
type Options struct {
	// Deadline is how long to wait for confirmation before unlocking
	// manual actions. Default 20s.
	Deadline time.Duration
	// RedirectDelay is how long after confirmation the redirect fires.
	// Default 3s.
	RedirectDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.Deadline <= 0 {
		o.Deadline = 20 * time.Second
	}
	if o.RedirectDelay <= 0 {
		o.RedirectDelay = 3 * time.Second
	}
}

// Coordinator drives one payment attempt for one ticket.
type Coordinator struct {
	service   *app.Service
	snapshots *feed.Feed
	opts      Options

	mu            sync.Mutex
	state         State
	ticketID      string
	params        app.InitiateParams
	confirmed     bool
	redirectFired bool
	closed        bool
	deadlineTimer *time.Timer
	redirectTimer *time.Timer
	cancelWatch   func()

	events    chan Event
	closeOnce sync.Once
}

func New(service *app.Service, snapshots *feed.Feed, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		service:   service,
		snapshots: snapshots,
		opts:      opts,
		state:     StateIdle,
		events:    make(chan Event, 16),
	}
}

// Events is the stream of state changes and the redirect signal. It closes
// when the coordinator closes.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State reports the current flow state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin initiates the push for the ticket and starts watching for its
// outcome. A failed initiation lands in manual_actions so the client can
// retry; it does not close the coordinator.
func (c *Coordinator) Begin(ctx context.Context, ticketID string, params app.InitiateParams) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("confirmation flow already started")
	}
	c.ticketID = ticketID
	params.TicketID = ticketID
	c.params = params
	c.setStateLocked(StateAwaitingGateway, nil, "")
	c.mu.Unlock()

	c.startWatch(ticketID)
	return c.initiate(ctx)
}

// Retry re-runs initiation after a failure or timeout. Rejected once the
// ticket confirmed.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.confirmed {
		c.mu.Unlock()
		return app.ErrAlreadyConfirmed
	}
	c.setStateLocked(StateAwaitingGateway, nil, "")
	c.mu.Unlock()

	return c.initiate(ctx)
}

// ManualPoll asks the gateway directly for the outcome. A confirmed answer
// routes through the same exactly-once path as a webhook snapshot.
func (c *Coordinator) ManualPoll(ctx context.Context) (*app.PollResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.confirmed {
		c.mu.Unlock()
		return nil, app.ErrAlreadyConfirmed
	}
	ticketID := c.ticketID
	c.mu.Unlock()

	result, err := c.service.PollGateway(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if result.IsConfirmed {
		c.confirm(nil)
	} else if result.Status == domain.StatusFailed {
		c.fail(result.Message)
	}
	return result, nil
}

// Close tears the coordinator down: the feed subscription ends, pending
// timers stop, and the events channel closes. A redirect that has not fired
// yet never will.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	if c.redirectTimer != nil {
		c.redirectTimer.Stop()
	}
	cancel := c.cancelWatch
	c.cancelWatch = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *Coordinator) initiate(ctx context.Context) error {
	result, err := c.service.Initiate(ctx, c.params)
	if err != nil {
		if errors.Is(err, app.ErrAlreadyConfirmed) {
			c.confirm(nil)
			return nil
		}
		c.mu.Lock()
		if !c.closed && !c.confirmed {
			c.setStateLocked(StateManualActions, nil, "initiation failed: "+err.Error())
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed || c.confirmed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateAwaitingConfirmation, nil, "")
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.deadlineTimer = time.AfterFunc(c.opts.Deadline, c.onDeadline)
	c.mu.Unlock()

	log.Printf("level=info component=coordinator msg=\"push initiated; awaiting confirmation\" ticket_id=%s status=%s deadline=%s",
		c.ticketID, result.Status, c.opts.Deadline)
	return nil
}

func (c *Coordinator) startWatch(ticketID string) {
	updates, cancel := c.snapshots.Subscribe(ticketID)
	c.mu.Lock()
	c.cancelWatch = cancel
	c.mu.Unlock()

	go func() {
		for snapshot := range updates {
			switch snapshot.Ticket.Status {
			case domain.StatusConfirmed:
				ticket := snapshot.Ticket
				c.confirm(&ticket)
			case domain.StatusFailed:
				detail := "payment failed"
				if snapshot.Ticket.LastError != nil {
					detail = *snapshot.Ticket.LastError
				}
				c.fail(detail)
			}
		}
	}()
}

// confirm is the exactly-once confirmation path. All success signals -
// snapshot, manual poll, already-confirmed initiation - converge here, and
// only the first caller flips the flag, emits the confirmed event, and arms
// the redirect timer.
func (c *Coordinator) confirm(ticket *domain.Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmed || c.closed {
		return
	}
	c.confirmed = true
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.setStateLocked(StateConfirmed, ticket, "")
	c.redirectTimer = time.AfterFunc(c.opts.RedirectDelay, c.onRedirect)
}

func (c *Coordinator) fail(detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmed || c.closed {
		return
	}
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	// Failure is not terminal for the flow: manual actions stay available,
	// since a retry or a poll can still land a success.
	c.setStateLocked(StateManualActions, nil, detail)
}

func (c *Coordinator) onDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmed || c.closed || c.state != StateAwaitingConfirmation {
		return
	}
	c.setStateLocked(StateManualActions, nil, "no confirmation within deadline")
}

func (c *Coordinator) onRedirect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.redirectFired {
		return
	}
	c.redirectFired = true
	c.emitLocked(Event{Kind: EventRedirect, State: c.state, Status: domain.StatusConfirmed})
}

func (c *Coordinator) setStateLocked(state State, ticket *domain.Ticket, detail string) {
	c.state = state
	event := Event{Kind: EventStateChanged, State: state, Ticket: ticket, Detail: detail}
	if ticket != nil {
		event.Status = ticket.Status
	}
	c.emitLocked(event)
}

func (c *Coordinator) emitLocked(event Event) {
	select {
	case c.events <- event:
	default:
		log.Printf("level=warn component=coordinator msg=\"event buffer full; dropping event\" ticket_id=%s kind=%s state=%s",
			c.ticketID, event.Kind, event.State)
	}
}
