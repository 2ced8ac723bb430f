// Package nfcworker drives the dedicated, higher-priority loop that
// owns the PCD driver and the NTAG424 protocol layer. It never
// suspends on cloud futures; it polls, selects, authenticates against
// the fleet terminal key, and serializes queued tag actions FIFO.
package nfcworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/barnettlynn/mauthterm/internal/mcore"
	"github.com/barnettlynn/mauthterm/internal/pcd"
	"github.com/barnettlynn/mauthterm/pkg/ntag424"
)

// TagState is the worker's tag-lifecycle state, mirrored 1:1 from the
// component's state diagram.
type TagState int

const (
	StateWaitForTag TagState = iota
	StateTagPresent
	StateNtag424Authenticated
	StateNtag424Unauthenticated
	StateTagError
)

func (s TagState) String() string {
	switch s {
	case StateWaitForTag:
		return "WaitForTag"
	case StateTagPresent:
		return "TagPresent"
	case StateNtag424Authenticated:
		return "Ntag424Authenticated"
	case StateNtag424Unauthenticated:
		return "Ntag424Unauthenticated"
	case StateTagError:
		return "TagError"
	default:
		return "Unknown"
	}
}

const escalationThreshold = 3

// Action is one unit of queued work driven while a tag is authenticated:
// terminal personalization steps, SDM reads, cloud mutual-auth relay.
// Loop is called once per scheduler tick; Continue means more work
// remains, done means the action is finished. OnAbort is delivered if
// the tag leaves the field while the action is still queued.
type Action interface {
	Loop(tag TagAPI) (done bool, err error)
	OnAbort(err error)
}

// TagAPI is the narrow surface an Action gets against the currently
// authenticated tag: the card transport and the live secure session.
type TagAPI interface {
	Card() ntag424.Card
	Session() *ntag424.Session
	UID() []byte
}

type tagAPI struct {
	card ntag424.Card
	sess *ntag424.Session
	uid  []byte
}

func (t *tagAPI) Card() ntag424.Card        { return t.card }
func (t *tagAPI) Session() *ntag424.Session { return t.sess }
func (t *tagAPI) UID() []byte               { return t.uid }

// Snapshot is a copy-under-lock view of worker state for cross-worker
// readers (the coordinator's status surface).
type Snapshot struct {
	State TagState
	UID   []byte
}

// PCD is the narrow surface the worker needs from the reader driver.
// *pcd.Driver satisfies it; tests use a fake that never touches a
// serial port.
type PCD interface {
	ntag424.Card
	WaitForNewTag(ctx context.Context) (*pcd.SelectedTag, error)
	CheckTagStillAvailable(tag *pcd.SelectedTag) (bool, error)
	ReleaseTag(tag *pcd.SelectedTag) error
	ResetControllerWithRetries(ctx context.Context) error
}

// Worker is the NFC worker. One instance drives exactly one PCD.
type Worker struct {
	driver      PCD
	terminalKey []byte

	logger *slog.Logger

	mu       sync.Mutex
	state    TagState
	selected *pcd.SelectedTag
	session  *ntag424.Session
	queue    []Action
	errCount int
}

// Config bundles a Worker's collaborators.
type Config struct {
	Driver      PCD
	TerminalKey []byte // fleet-wide slot-1 key
	Logger      *slog.Logger
}

// New constructs a Worker in StateWaitForTag.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		driver:      cfg.Driver,
		terminalKey: cfg.TerminalKey,
		logger:      logger.With("component", "nfc-worker"),
		state:       StateWaitForTag,
	}
}

// Snapshot returns a copy-under-lock view of the current state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{State: w.state}
	if w.selected != nil {
		snap.UID = append([]byte(nil), w.selected.UID...)
	}
	return snap
}

// QueueAction enqueues an action for execution while the tag is
// authenticated. It fails if the worker is not currently in
// StateNtag424Authenticated.
func (w *Worker) QueueAction(a Action) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateNtag424Authenticated {
		return mcore.New("nfcworker.queue_action", mcore.CodeNoTag, "tag is not authenticated")
	}
	w.queue = append(w.queue, a)
	return nil
}

// Run drives the worker loop until ctx is cancelled. Each iteration is
// exactly one tick: it advances the tag lifecycle state machine and, if
// authenticated, runs at most one queued action's Loop call.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.tick(ctx); err != nil {
			w.logger.Error("worker tick failed", "error", err)
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	switch state {
	case StateWaitForTag:
		return w.tickWaitForTag(ctx)
	case StateTagPresent:
		return w.tickTagPresent()
	case StateNtag424Authenticated, StateNtag424Unauthenticated:
		return w.tickAuthenticated()
	case StateTagError:
		return w.tickTagError(ctx)
	default:
		return nil
	}
}

func (w *Worker) tickWaitForTag(ctx context.Context) error {
	tag, err := w.driver.WaitForNewTag(ctx)
	if err != nil {
		return pcd.AsCoreError("nfcworker.wait_for_tag", err)
	}
	w.mu.Lock()
	w.selected = tag
	w.state = StateTagPresent
	w.mu.Unlock()
	w.logger.Info("tag detected", "uid", tag.UID)
	return nil
}

func (w *Worker) tickTagPresent() error {
	w.mu.Lock()
	tag := w.selected
	w.mu.Unlock()

	if err := ntag424.SelectNDEFApp(w.driver); err != nil {
		return w.onError(tag, err)
	}

	sess, err := ntag424.AuthenticateEV2First(w.driver, w.terminalKey, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if ntag424.IsAuthenticationDelay(err) {
			// The card asked for a retry, not a verdict on the key: stay
			// in TagPresent so the next tick re-authenticates against
			// the same tag instance rather than branding it foreign.
			w.logger.Debug("terminal auth delayed, retrying", "error", err)
			return nil
		}
		// A failed terminal-key auth does not necessarily mean the tag is
		// bad: a factory-default or foreign-system tag simply won't
		// recognize this fleet's key. That is Ntag424Unauthenticated, not
		// TagError — it does not count against the escalation threshold.
		w.logger.Debug("terminal auth failed, tag unauthenticated", "error", err)
		w.state = StateNtag424Unauthenticated
		w.errCount = 0
		return nil
	}
	w.session = sess
	w.state = StateNtag424Authenticated
	w.errCount = 0
	w.logger.Info("terminal authenticated", "uid", tag.UID)
	return nil
}

func (w *Worker) tickAuthenticated() error {
	w.mu.Lock()
	tag := w.selected
	w.mu.Unlock()

	present, err := w.driver.CheckTagStillAvailable(tag)
	if err != nil {
		return w.onError(tag, err)
	}
	if !present {
		w.departTag("tag no longer available")
		return nil
	}

	w.mu.Lock()
	var next Action
	if len(w.queue) > 0 {
		next = w.queue[0]
	}
	sess := w.session
	card := ntag424.Card(w.driver)
	uid := append([]byte(nil), tag.UID...)
	w.mu.Unlock()

	if next == nil {
		return nil
	}

	done, err := next.Loop(&tagAPI{card: card, sess: sess, uid: uid})
	if err != nil {
		next.OnAbort(err)
		w.mu.Lock()
		w.queue = w.queue[1:]
		w.mu.Unlock()
		return err
	}
	if done {
		w.mu.Lock()
		w.queue = w.queue[1:]
		w.mu.Unlock()
	}
	return nil
}

func (w *Worker) tickTagError(ctx context.Context) error {
	w.mu.Lock()
	tag := w.selected
	w.mu.Unlock()

	if tag != nil {
		_ = w.driver.ReleaseTag(tag)
	}
	if err := w.driver.ResetControllerWithRetries(ctx); err != nil {
		w.logger.Error("controller reset failed", "error", err)
		time.Sleep(time.Second)
		return pcd.AsCoreError("nfcworker.reset", err)
	}
	w.departTag("controller reset")
	return nil
}

// onError records one protocol failure against the escalation counter
// and, once the count reaches the threshold, transitions to TagError so the
// next tick issues release+reset.
func (w *Worker) onError(tag *pcd.SelectedTag, err error) error {
	w.mu.Lock()
	w.errCount++
	escalate := w.errCount >= escalationThreshold
	if escalate {
		w.state = StateTagError
	}
	w.mu.Unlock()
	w.logger.Warn("tag protocol error", "error", err, "consecutive", w.errCount, "escalate", escalate)
	return pcd.AsCoreError("nfcworker.tick", err)
}

// departTag aborts any queued actions and returns the worker to
// WaitForTag. Any reset or tag removal invalidates the current tag.
func (w *Worker) departTag(reason string) {
	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.selected = nil
	w.session = nil
	w.state = StateWaitForTag
	w.errCount = 0
	w.mu.Unlock()

	abortErr := mcore.New("nfcworker.depart", mcore.CodeNoTag, reason)
	for _, a := range pending {
		a.OnAbort(abortErr)
	}
}
