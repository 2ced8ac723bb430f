package flashstore

import "testing"

func TestWriteThenReadRoundTrip(t *testing.T) {
	sector := NewMemSector(256)
	store := New(sector)
	payload := []byte("0123456789abcdef")

	if err := store.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestReadUnprovisionedSectorFails(t *testing.T) {
	sector := NewMemSector(256)
	store := New(sector)
	if _, err := store.Read(); err != ErrNotProvisioned {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
}

func TestReadDetectsCorruption(t *testing.T) {
	sector := NewMemSector(256)
	store := New(sector)
	if err := store.Write([]byte("secret-material")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _ := sector.ReadAt(0, sector.Size())
	data[headerLen] ^= 0xFF // flip a payload byte in place
	_ = sector.WriteAt(0, data)

	if _, err := store.Read(); err != ErrNotProvisioned {
		t.Fatalf("expected ErrNotProvisioned after corruption, got %v", err)
	}
}

func TestClearForcesNotProvisioned(t *testing.T) {
	sector := NewMemSector(256)
	store := New(sector)
	_ = store.Write([]byte("secret"))
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Read(); err != ErrNotProvisioned {
		t.Fatalf("expected ErrNotProvisioned after clear, got %v", err)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	sector := NewMemSector(16)
	store := New(sector)
	if err := store.Write(make([]byte, 64)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}
