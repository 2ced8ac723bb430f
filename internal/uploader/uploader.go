// Package uploader drains the closed usage ledger to the cloud: a
// persistent FIFO that batches on size or idle time, retries failed
// batches with backoff, and only trims entries once the cloud
// acknowledges them by high-water mark. Records are never dropped.
package uploader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/barnettlynn/mauthterm/internal/cloud"
	"github.com/barnettlynn/mauthterm/internal/machine"
)

// Journal is the persistent FIFO backing store. cmd/terminal backs
// this with FileJournal (a JSONL data file plus a JSON state file);
// tests use MemJournal's in-memory slice.
type Journal interface {
	Append(rec machine.UsageRecord) (seq uint64, err error)
	Pending() []JournalEntry
	TrimUpTo(seq uint64) error
}

// JournalEntry pairs a record with its assigned sequence number, the
// acknowledgement high-water mark.
type JournalEntry struct {
	Seq    uint64
	Record machine.UsageRecord
}

type uploadUsageReq struct {
	Records []wireUsageRecord `json:"records"`
}

type wireUsageRecord struct {
	Seq            uint64 `json:"seq"`
	SessionID      string `json:"session_id"`
	MachineID      string `json:"machine_id"`
	CheckinUnix    int64  `json:"checkin_unix"`
	CheckoutUnix   int64  `json:"checkout_unix"`
	CheckoutReason string `json:"checkout_reason"`
}

type uploadUsageRsp struct {
	AckedUpTo uint64 `json:"acked_up_to"`
}

// Config tunes batching behavior.
type Config struct {
	BatchSize     int
	IdleInterval  time.Duration
	RequestTimeout time.Duration
	Gateway       *cloud.Gateway
	Journal       Journal
	Logger        *slog.Logger
}

// Uploader drains Journal to the cloud.
type Uploader struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

// New constructs an Uploader. Enqueue is safe to call from any
// goroutine; Run must be driven by exactly one.
func New(cfg Config) *Uploader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{cfg: cfg, logger: logger.With("component", "uploader"), trigger: make(chan struct{}, 1)}
}

// Enqueue implements machine.Sink: it appends to the journal and wakes
// Run if it's idle-waiting.
func (u *Uploader) Enqueue(rec machine.UsageRecord) {
	if _, err := u.cfg.Journal.Append(rec); err != nil {
		u.logger.Error("failed to append usage record to journal", "error", err)
		return
	}
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// Run drives batch uploads until ctx is cancelled. On cancellation it
// makes one final best-effort flush attempt before returning.
func (u *Uploader) Run(ctx context.Context) {
	idle := u.cfg.IdleInterval
	if idle <= 0 {
		idle = 30 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			u.flush(context.Background())
			return
		case <-u.trigger:
			if len(u.cfg.Journal.Pending()) >= u.cfg.BatchSize {
				u.flush(ctx)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
		case <-timer.C:
			if len(u.cfg.Journal.Pending()) > 0 {
				u.flush(ctx)
			}
			timer.Reset(idle)
		}
	}
}

// flush uploads all currently pending records as one batch, retrying
// with exponential backoff until it succeeds, ctx is cancelled, or the
// backoff's default 15-minute elapsed-time limit runs out. Records that
// were not acknowledged stay in the journal for the next flush.
func (u *Uploader) flush(ctx context.Context) {
	pending := u.cfg.Journal.Pending()
	if len(pending) == 0 {
		return
	}
	req := uploadUsageReq{Records: make([]wireUsageRecord, len(pending))}
	var highWater uint64
	for i, e := range pending {
		req.Records[i] = wireUsageRecord{
			Seq:            e.Seq,
			SessionID:      e.Record.SessionID,
			MachineID:      e.Record.MachineID,
			CheckinUnix:    e.Record.CheckinTime.Unix(),
			CheckoutUnix:   e.Record.CheckoutTime.Unix(),
			CheckoutReason: string(e.Record.CheckoutReason),
		}
		if e.Seq > highWater {
			highWater = e.Seq
		}
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		future, err := cloud.Send[uploadUsageRsp](u.cfg.Gateway, req, cloud.EndpointUploadUsage, u.cfg.RequestTimeout)
		if err != nil {
			return err
		}
		<-future.Done()
		state, rsp, ferr := future.Poll()
		if state != cloud.Resolved {
			if ferr != nil {
				return ferr
			}
			return errFailedUpload
		}
		return u.cfg.Journal.TrimUpTo(rsp.AckedUpTo)
	}, b)
	if err != nil {
		u.logger.Warn("usage batch upload gave up; records stay pending", "error", err, "pending", len(pending))
	}
}

var errFailedUpload = uploadFailedErr{}

type uploadFailedErr struct{}

func (uploadFailedErr) Error() string { return "uploader: batch upload failed" }
