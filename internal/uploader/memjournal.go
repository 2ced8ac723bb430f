package uploader

import (
	"sync"

	"github.com/barnettlynn/mauthterm/internal/machine"
)

// MemJournal is an in-memory Journal for tests. FileJournal, the one
// cmd/terminal uses, persists entries to local files so a reboot does
// not lose unacknowledged usage records.
type MemJournal struct {
	mu      sync.Mutex
	nextSeq uint64
	entries []JournalEntry
}

// NewMemJournal returns an empty MemJournal.
func NewMemJournal() *MemJournal {
	return &MemJournal{nextSeq: 1}
}

func (j *MemJournal) Append(rec machine.UsageRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.nextSeq
	j.nextSeq++
	j.entries = append(j.entries, JournalEntry{Seq: seq, Record: rec})
	return seq, nil
}

func (j *MemJournal) Pending() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *MemJournal) TrimUpTo(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.entries[:0]
	for _, e := range j.entries {
		if e.Seq > seq {
			kept = append(kept, e)
		}
	}
	j.entries = kept
	return nil
}
