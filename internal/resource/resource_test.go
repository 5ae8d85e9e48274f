package resource

import "testing"

func TestTryReserveHeadroom(t *testing.T) {
	a := New(Budget{CPUFraction: 2, MemoryBytes: 1000, AccelSlots: 1, MaxWorkers: 2})

	tok1, err := a.TryReserve(Request{CPUFraction: 1, MemoryBytes: 500})
	if err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
	if a.ActiveWorkers() != 1 {
		t.Fatalf("expected 1 active worker, got %d", a.ActiveWorkers())
	}

	_, err = a.TryReserve(Request{CPUFraction: 1, MemoryBytes: 600})
	if err == nil {
		t.Fatal("expected memory denial")
	}

	a.Release(tok1)
	if a.ActiveWorkers() != 0 {
		t.Fatalf("expected 0 active workers after release, got %d", a.ActiveWorkers())
	}
}

func TestTryReserveWorkerSlotExhaustion(t *testing.T) {
	a := New(Budget{MaxWorkers: 1, CPUFraction: 100, MemoryBytes: 1 << 30})
	if _, err := a.TryReserve(Request{CPUFraction: 1}); err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
	if _, err := a.TryReserve(Request{CPUFraction: 1}); err == nil {
		t.Fatal("expected denial on second reservation")
	}
}

func TestReleaseUnknownTokenIsNoop(t *testing.T) {
	a := New(Budget{MaxWorkers: 1})
	a.Release(Token{id: "never-reserved"})
	if a.ActiveWorkers() != 0 {
		t.Fatalf("expected 0 workers, got %d", a.ActiveWorkers())
	}
}
