// Package machine drives the per-machine relay state machine: it
// binds an authenticated session's permissions against a machine's
// required permission, energizes the physical relay, and maintains
// the append-only usage ledger that the uploader later drains.
package machine

import (
	"sync"
	"time"

	"github.com/barnettlynn/mauthterm/internal/sessions"
)

// State is the machine's coarse operating state.
type State int

const (
	Idle State = iota
	Active
	Denied
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Denied:
		return "Denied"
	default:
		return "Unknown"
	}
}

// CheckoutReason records why a usage record was closed.
type CheckoutReason string

const (
	ReasonUser    CheckoutReason = "user"
	ReasonTimeout CheckoutReason = "timeout"
	ReasonNewTag  CheckoutReason = "new-tag"
	ReasonUI      CheckoutReason = "ui"
)

// UsageRecord is append-only once CheckoutTime is set; exactly one
// record may be open per machine at any time.
type UsageRecord struct {
	SessionID     string
	MachineID     string
	CheckinTime   time.Time
	CheckoutTime  time.Time
	CheckoutReason CheckoutReason
	closed        bool
}

// Relay abstracts the physical energize/de-energize control so tests
// never need real GPIO.
type Relay interface {
	Energize() error
	DeEnergize() error
}

// Sink receives closed usage records, handing them to the uploader's
// persistent FIFO.
type Sink interface {
	Enqueue(UsageRecord)
}

// Binding is the machine's static configuration, loaded from device
// config: which permission unlocks it and how long a session may stay
// active before an automatic checkout.
type Binding struct {
	MachineID          string
	RequiredPermission string
	ActivationTimeout  time.Duration
}

// Controller drives one machine's relay and usage ledger.
type Controller struct {
	binding Binding
	relay   Relay
	sink    Sink
	now     func() time.Time

	mu      sync.Mutex
	state   State
	session *sessions.TokenSession
	openRec *UsageRecord
	startedAt time.Time
	deniedMsg string
	deniedAt  time.Time
}

// New constructs an Idle Controller for binding.
func New(binding Binding, relay Relay, sink Sink) *Controller {
	return &Controller{binding: binding, relay: relay, sink: sink, now: time.Now, state: Idle}
}

// State returns the current coarse state under lock.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckIn binds session to this machine. If the session carries the
// required permission the relay energizes and a usage record opens;
// otherwise the controller enters Denied and no record is opened.
// A check-in while already Active for a different tag closes the
// current record with reason new-tag before opening the new one.
func (c *Controller) CheckIn(session *sessions.TokenSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Active {
		_ = c.relay.DeEnergize()
		c.closeRecordLocked(ReasonNewTag)
	}

	if !session.HasPermission(c.binding.RequiredPermission) {
		c.state = Denied
		c.deniedMsg = "missing permission " + c.binding.RequiredPermission
		c.deniedAt = c.now()
		return nil
	}

	c.session = session
	c.startedAt = c.now()
	c.openRec = &UsageRecord{
		SessionID:   session.SessionID,
		MachineID:   c.binding.MachineID,
		CheckinTime: c.startedAt,
	}

	if err := c.relay.Energize(); err != nil {
		c.closeRecordLocked(ReasonUI)
		c.state = Denied
		c.deniedMsg = "relay fault"
		c.deniedAt = c.now()
		return err
	}

	c.state = Active
	return nil
}

// CheckOut de-energizes the relay and closes the open usage record
// with the given reason.
func (c *Controller) CheckOut(reason CheckoutReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return
	}
	_ = c.relay.DeEnergize()
	c.closeRecordLocked(reason)
	c.state = Idle
}

// PollTimeout checks elapsed activation time and auto-checks-out with
// reason timeout if the binding's activation timeout has elapsed. The
// coordinator calls this on a periodic tick; there is no internal
// timer goroutine per machine.
func (c *Controller) PollTimeout() {
	c.mu.Lock()
	active := c.state == Active
	elapsed := c.now().Sub(c.startedAt)
	timeout := c.binding.ActivationTimeout
	c.mu.Unlock()
	if active && timeout > 0 && elapsed >= timeout {
		c.CheckOut(ReasonTimeout)
	}
}

// closeRecordLocked closes the currently open record, if any, and
// hands it to the sink. Caller must hold c.mu.
func (c *Controller) closeRecordLocked(reason CheckoutReason) {
	if c.openRec == nil {
		return
	}
	rec := *c.openRec
	rec.CheckoutTime = c.now()
	rec.CheckoutReason = reason
	rec.closed = true
	c.openRec = nil
	c.session = nil
	if c.sink != nil {
		c.sink.Enqueue(rec)
	}
}

// DeniedReason reports the message recorded on the most recent Denied
// transition, for the coordinator's status surface.
func (c *Controller) DeniedReason() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deniedMsg, c.deniedAt
}
