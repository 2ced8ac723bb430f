package uploader

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/barnettlynn/mauthterm/internal/machine"
)

// FileJournal persists the closed-usage-record FIFO to two small local
// files so a reboot does not lose unacknowledged records, per spec.md
// §4.7. No message-queue or embedded-KV library appears anywhere in
// the pack's dependency set to ground a richer store against, so this
// is a small append/rewrite format over encoding/json rather than a
// third-party dependency.
type FileJournal struct {
	mu        sync.Mutex
	dataPath  string
	statePath string
	state     journalState
	entries   []JournalEntry
}

type journalState struct {
	Acked   uint64 `json:"acked"`
	NextSeq uint64 `json:"next_seq"`
}

// OpenFileJournal loads any previously persisted pending entries from
// dataPath and the sequence/ack state from statePath, creating both if
// they don't yet exist.
func OpenFileJournal(dataPath, statePath string) (*FileJournal, error) {
	j := &FileJournal{dataPath: dataPath, statePath: statePath, state: journalState{NextSeq: 1}}

	if raw, err := os.ReadFile(statePath); err == nil {
		if err := json.Unmarshal(raw, &j.state); err != nil {
			return nil, err
		}
	}
	if j.state.NextSeq == 0 {
		j.state.NextSeq = 1
	}

	if raw, err := os.ReadFile(dataPath); err == nil {
		for _, line := range bytes.Split(raw, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var e JournalEntry
			if err := json.Unmarshal(line, &e); err != nil {
				continue
			}
			j.entries = append(j.entries, e)
		}
	}
	return j, nil
}

// Append implements Journal.
func (j *FileJournal) Append(rec machine.UsageRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.state.NextSeq
	j.state.NextSeq++
	entry := JournalEntry{Seq: seq, Record: rec}
	j.entries = append(j.entries, entry)
	if err := j.appendLineLocked(entry); err != nil {
		return 0, err
	}
	return seq, j.persistStateLocked()
}

// Pending implements Journal.
func (j *FileJournal) Pending() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// TrimUpTo implements Journal.
func (j *FileJournal) TrimUpTo(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.entries[:0]
	for _, e := range j.entries {
		if e.Seq > seq {
			kept = append(kept, e)
		}
	}
	j.entries = kept
	j.state.Acked = seq
	if err := j.rewriteDataLocked(); err != nil {
		return err
	}
	return j.persistStateLocked()
}

func (j *FileJournal) appendLineLocked(e JournalEntry) error {
	f, err := os.OpenFile(j.dataPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (j *FileJournal) rewriteDataLocked() error {
	var buf bytes.Buffer
	for _, e := range j.entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return os.WriteFile(j.dataPath, buf.Bytes(), 0o600)
}

func (j *FileJournal) persistStateLocked() error {
	raw, err := json.Marshal(j.state)
	if err != nil {
		return err
	}
	return os.WriteFile(j.statePath, raw, 0o600)
}
