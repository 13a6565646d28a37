package screener

import (
	"testing"

	"crypto-screener/internal/model"
)

func result(traderID string, cycle uint64, matches ...string) model.ScreenResult {
	return model.ScreenResult{TraderID: traderID, Matches: matches, Cycle: cycle}
}

func sameStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestDiffer_FirstCycleIsFull(t *testing.T) {
	d := NewDiffer()

	delta := d.Diff(result("t1", 1, "BTCUSDT", "ETHUSDT"))
	if delta == nil {
		t.Fatal("First cycle must always emit")
	}
	if delta.IsDelta {
		t.Error("First cycle must be marked full, not delta")
	}
	if !sameStrings(delta.Added, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Errorf("Expected full match list, got %v", delta.Added)
	}
}

func TestDiffer_FirstCycleEmptyStillEmits(t *testing.T) {
	d := NewDiffer()

	delta := d.Diff(result("t1", 1))
	if delta == nil {
		t.Fatal("Empty first cycle must still emit so consumers get a baseline")
	}
	if delta.IsDelta || len(delta.Added) != 0 || len(delta.Removed) != 0 {
		t.Errorf("Expected empty full result, got %+v", delta)
	}
}

func TestDiffer_AddedAndRemoved(t *testing.T) {
	d := NewDiffer()
	d.Diff(result("t1", 1, "A", "B", "C"))

	delta := d.Diff(result("t1", 2, "B", "C", "D"))
	if delta == nil {
		t.Fatal("Expected a delta")
	}
	if !delta.IsDelta {
		t.Error("Second cycle must be a delta")
	}
	if !sameStrings(delta.Added, []string{"D"}) {
		t.Errorf("Expected added [D], got %v", delta.Added)
	}
	if !sameStrings(delta.Removed, []string{"A"}) {
		t.Errorf("Expected removed [A], got %v", delta.Removed)
	}
}

func TestDiffer_NoChangeEmitsNothing(t *testing.T) {
	d := NewDiffer()
	d.Diff(result("t1", 1, "A", "B"))

	if delta := d.Diff(result("t1", 2, "A", "B")); delta != nil {
		t.Errorf("Unchanged result must emit nil, got %+v", delta)
	}
}

func TestDiffer_SignalsForceEmission(t *testing.T) {
	d := NewDiffer()
	d.Diff(result("t1", 1, "A"))

	cur := result("t1", 2, "A")
	cur.Signals = []model.Signal{{ID: "sig-1", TraderID: "t1", Symbol: "A"}}
	delta := d.Diff(cur)
	if delta == nil {
		t.Fatal("Cycle with signals must emit even when match set is unchanged")
	}
	if len(delta.Signals) != 1 {
		t.Errorf("Expected 1 signal, got %d", len(delta.Signals))
	}
}

func TestDiffer_ForgetResetsToFull(t *testing.T) {
	d := NewDiffer()
	d.Diff(result("t1", 1, "A"))
	d.Forget("t1")

	delta := d.Diff(result("t1", 2, "A"))
	if delta == nil || delta.IsDelta {
		t.Errorf("After Forget the next cycle must be a full emission, got %+v", delta)
	}
}

func TestDiffer_TradersAreIndependent(t *testing.T) {
	d := NewDiffer()
	d.Diff(result("t1", 1, "A"))

	delta := d.Diff(result("t2", 1, "A"))
	if delta == nil || delta.IsDelta {
		t.Error("A new trader must get a full first emission regardless of others")
	}
}
