// Package coordinator is the application coordinator (component J): it
// brings the other workers up in order, drives a tap through the
// session orchestrator whenever the NFC worker reports a newly
// authenticated tag, fans the terminal result out to every bound
// machine controller, and exposes a copy-under-lock status snapshot to
// the presentation worker. It replaces the teacher's process-wide
// singletons with collaborators wired together at construction time,
// per spec.md §9's singleton-replacement note.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/barnettlynn/mauthterm/internal/cloud"
	"github.com/barnettlynn/mauthterm/internal/machine"
	"github.com/barnettlynn/mauthterm/internal/nfcworker"
	"github.com/barnettlynn/mauthterm/internal/orchestrator"
	"github.com/barnettlynn/mauthterm/internal/sessions"
)

// Config bundles every collaborator the coordinator wires at bring-up.
// Construction order matches spec.md §2's data-flow diagram: the PCD
// driver and NFC worker are built first (by the caller), then the
// cloud gateway, then the session cache and machine controllers, and
// finally the coordinator itself.
type Config struct {
	Worker       *nfcworker.Worker
	Gateway      *cloud.Gateway
	Cache        *sessions.Cache
	Controllers  map[string]*machine.Controller // machine-id -> controller
	RPCTimeout   time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Status is the copy-under-lock view the presentation worker reads.
// Consumers must treat every field as a value copy; nothing here is
// shared with the coordinator's live state.
type Status struct {
	NFCState      nfcworker.TagState
	UID           []byte
	Machines      map[string]machine.State
	LastError     string
	LastErrorTime time.Time
}

// Coordinator ties the NFC worker, the cloud gateway, the session
// cache, and the per-machine controllers into the terminal's one
// operational loop.
type Coordinator struct {
	worker       *nfcworker.Worker
	gateway      *cloud.Gateway
	cache        *sessions.Cache
	controllers  map[string]*machine.Controller
	rpcTimeout   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	lastUID     [7]byte
	haveLastUID bool

	statusMu sync.Mutex
	status   Status
}

// New constructs a Coordinator from cfg. The NFC worker and cloud
// gateway are not started until Run is called.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{
		worker:       cfg.Worker,
		gateway:      cfg.Gateway,
		cache:        cfg.Cache,
		controllers:  cfg.Controllers,
		rpcTimeout:   timeout,
		pollInterval: poll,
		logger:       logger.With("component", "coordinator"),
	}
}

// Run starts the NFC worker and the cloud gateway's reconnect loop as
// background goroutines, then drives the coordinator's own tick loop
// until ctx is cancelled.
func (co *Coordinator) Run(ctx context.Context) error {
	go func() {
		if err := co.worker.Run(ctx); err != nil && ctx.Err() == nil {
			co.logger.Error("nfc worker exited", "error", err)
		}
	}()
	go co.gateway.Run(ctx)

	ticker := time.NewTicker(co.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			co.tick()
		}
	}
}

// tick runs one coordinator cycle: refresh the status snapshot, poll
// every machine controller's activation timeout, and, if the NFC
// worker reports a newly authenticated tag that hasn't already been
// queued, start a session-establishment attempt for it.
func (co *Coordinator) tick() {
	snap := co.worker.Snapshot()
	co.refreshStatus(snap)

	for _, c := range co.controllers {
		c.PollTimeout()
	}

	if snap.State != nfcworker.StateNtag424Authenticated {
		co.mu.Lock()
		co.haveLastUID = false
		co.mu.Unlock()
		return
	}
	if len(snap.UID) != 7 {
		return
	}
	var uid [7]byte
	copy(uid[:], snap.UID)

	co.mu.Lock()
	already := co.haveLastUID && co.lastUID == uid
	if !already {
		co.lastUID = uid
		co.haveLastUID = true
	}
	co.mu.Unlock()
	if already {
		return
	}

	attempt := orchestrator.New(co.gateway, co.cache, uid, co.rpcTimeout)
	action := &sessionAction{uid: uid, attempt: attempt, onDone: co.handleResult}
	if err := co.worker.QueueAction(action); err != nil {
		// The tag departed between the snapshot read and the queue
		// attempt; the next tick will see WaitForTag and reset haveLastUID.
		co.logger.Debug("queue session action failed", "error", err)
	}
}

// handleResult fans a terminal orchestrator outcome out to every bound
// machine controller. A Succeeded result is offered to all of them;
// each controller independently decides Active vs. Denied based on its
// own required permission, so one tap can energize one machine while
// being denied on another.
func (co *Coordinator) handleResult(uid [7]byte, result orchestrator.Result) {
	switch result.Phase {
	case orchestrator.PhaseSucceeded:
		for id, c := range co.controllers {
			if err := c.CheckIn(result.Session); err != nil {
				co.logger.Warn("check-in failed", "machine", id, "error", err)
			}
		}
	case orchestrator.PhaseRejected:
		co.logger.Info("session rejected", "uid", uid, "message", result.Message)
		co.setLastError(result.Message)
	case orchestrator.PhaseFailed:
		co.logger.Error("session failed", "uid", uid, "error", result.Err)
		if result.Err != nil {
			co.setLastError(result.Err.Error())
		}
	}
}

func (co *Coordinator) setLastError(msg string) {
	co.statusMu.Lock()
	co.status.LastError = msg
	co.status.LastErrorTime = time.Now()
	co.statusMu.Unlock()
}

func (co *Coordinator) refreshStatus(snap nfcworker.Snapshot) {
	machines := make(map[string]machine.State, len(co.controllers))
	for id, c := range co.controllers {
		machines[id] = c.State()
	}
	co.statusMu.Lock()
	co.status.NFCState = snap.State
	co.status.UID = append([]byte(nil), snap.UID...)
	co.status.Machines = machines
	co.statusMu.Unlock()
}

// Snapshot copies the coordinator's current status under lock for the
// presentation worker, per §5's copy-under-lock cross-worker read
// discipline.
func (co *Coordinator) Snapshot() Status {
	co.statusMu.Lock()
	defer co.statusMu.Unlock()
	out := co.status
	out.UID = append([]byte(nil), co.status.UID...)
	machines := make(map[string]machine.State, len(co.status.Machines))
	for k, v := range co.status.Machines {
		machines[k] = v
	}
	out.Machines = machines
	return out
}

// sessionAction adapts one orchestrator.Session attempt to the
// nfcworker.Action contract: one Step per scheduler tick, terminal
// phase reported back to the coordinator instead of treated as a
// protocol error. A cloud/crypto failure surfaces through onDone, not
// through the worker's bus-error escalation counter — those are a
// different error tier per spec.md §7.
type sessionAction struct {
	uid     [7]byte
	attempt *orchestrator.Session
	onDone  func(uid [7]byte, result orchestrator.Result)
}

func (a *sessionAction) Loop(tag nfcworker.TagAPI) (bool, error) {
	_ = a.attempt.Step(tag.Card())
	if a.attempt.Done() {
		a.onDone(a.uid, a.attempt.Result())
		return true, nil
	}
	return false, nil
}

func (a *sessionAction) OnAbort(err error) {
	// Tag departed mid-attempt. The cloud RPC, if any, stays live; its
	// response is discarded on arrival per the cloud layer's contract.
	// The next tap re-queries the cache, which may already hold the
	// session the cloud created before the abort.
	a.attempt.Abort()
}
