package uploader

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/barnettlynn/mauthterm/internal/machine"
)

func TestFileJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "usage.jsonl")
	statePath := filepath.Join(dir, "usage.state")

	j, err := OpenFileJournal(dataPath, statePath)
	if err != nil {
		t.Fatalf("OpenFileJournal: %v", err)
	}
	rec := machine.UsageRecord{SessionID: "s1", MachineID: "lathe", CheckinTime: time.Unix(100, 0), CheckoutTime: time.Unix(200, 0), CheckoutReason: machine.ReasonUser}
	seq, err := j.Append(rec)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first seq 1, got %d", seq)
	}

	reopened, err := OpenFileJournal(dataPath, statePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pending := reopened.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry after reopen, got %d", len(pending))
	}
	if pending[0].Record.SessionID != "s1" {
		t.Fatalf("unexpected record: %+v", pending[0].Record)
	}

	next, err := reopened.Append(rec)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected next seq to continue from persisted state, got %d", next)
	}
}

func TestFileJournalTrimUpToRemovesAckedAndPersists(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "usage.jsonl")
	statePath := filepath.Join(dir, "usage.state")

	j, err := OpenFileJournal(dataPath, statePath)
	if err != nil {
		t.Fatalf("OpenFileJournal: %v", err)
	}
	rec := machine.UsageRecord{SessionID: "s1", MachineID: "lathe"}
	s1, _ := j.Append(rec)
	s2, _ := j.Append(rec)

	if err := j.TrimUpTo(s1); err != nil {
		t.Fatalf("TrimUpTo: %v", err)
	}
	if len(j.Pending()) != 1 {
		t.Fatalf("expected 1 pending entry remaining, got %d", len(j.Pending()))
	}

	reopened, err := OpenFileJournal(dataPath, statePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pending := reopened.Pending()
	if len(pending) != 1 || pending[0].Seq != s2 {
		t.Fatalf("expected only seq %d to survive reopen, got %+v", s2, pending)
	}
}
