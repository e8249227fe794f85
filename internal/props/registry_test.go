package props

import (
	"errors"
	"math"
	"testing"

	"github.com/cjeanneret/IndiGo/internal/errcode"
)

func TestNumberBounds(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "exp", Kind: Number, Min: 130, Max: 969249669}, Num(1000))

	if err := r.Set("exp", Num(5_000_000)); err != nil {
		t.Fatalf("in-range value rejected: %v", err)
	}
	if err := r.Set("exp", Num(1_000_000_000)); err == nil {
		t.Fatal("value above maximum accepted")
	}
	if err := r.Set("exp", Num(50)); err == nil {
		t.Fatal("value below minimum accepted")
	}
	// rejected writes leave the stored value alone
	if got := r.NumVal("exp"); got != 5_000_000 {
		t.Fatalf("stored value = %g, want 5000000", got)
	}
}

func TestNumberUnboundedMax(t *testing.T) {
	// degenerate device metadata: max <= min means unbounded above min
	r := NewRegistry()
	r.Define(Schema{Name: "exp", Kind: Number, Min: 29, Max: 0}, Num(29))

	if err := r.Set("exp", Num(10_000_000)); err != nil {
		t.Fatalf("unbounded property rejected large value: %v", err)
	}
	if err := r.Set("exp", Num(10)); err == nil {
		t.Fatal("value below minimum accepted")
	}
}

func TestNumberRejectsNonFinite(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "gain", Kind: Number, Min: 1, Max: 16}, Num(1))
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := r.Set("gain", Num(v)); err == nil {
			t.Errorf("non-finite %v accepted", v)
		}
	}
}

func TestReadOnlyRejectsClientWrite(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "temp", Kind: Number, ReadOnly: true}, Num(0))

	err := r.Set("temp", Num(21))
	if errcode.Of(err) != errcode.NotWritable {
		t.Fatalf("error = %v, want not_writable", err)
	}
	// the driver's own path bypasses the read-only check
	r.Update("temp", Num(21), StateOK)
	if got := r.NumVal("temp"); got != 21 {
		t.Fatalf("value = %g after Update, want 21", got)
	}
}

func TestSwitchChoices(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "fmt", Kind: Switch, Choices: []string{"raw", "rgb"}}, Choice("raw"))

	if err := r.Set("fmt", Choice("rgb")); err != nil {
		t.Fatalf("valid choice rejected: %v", err)
	}
	if err := r.Set("fmt", Choice("tiff")); err == nil {
		t.Fatal("invalid choice accepted")
	}
}

func TestKindMismatchRejected(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "gain", Kind: Number, Min: 1, Max: 16}, Num(1))
	var ve *errcode.E
	err := r.Set("gain", Str("high"))
	if !errors.As(err, &ve) || ve.C != errcode.ValidationError {
		t.Fatalf("error = %v, want validation_error", err)
	}
}

func TestDirtyLatch(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "mode", Kind: Switch, Choices: []string{"a", "b"}, Reconfigure: true}, Choice("a"))
	r.Define(Schema{Name: "gain", Kind: Number, Min: 1, Max: 16}, Num(1))

	if r.Dirty() {
		t.Fatal("registry dirty before any write")
	}
	if err := r.Set("gain", Num(2)); err != nil {
		t.Fatal(err)
	}
	if r.Dirty() {
		t.Fatal("plain property write marked the registry dirty")
	}
	if err := r.Set("mode", Choice("b")); err != nil {
		t.Fatal(err)
	}
	if !r.Dirty() {
		t.Fatal("reconfigure-flagged write did not mark the registry dirty")
	}
	r.ClearDirty()
	if r.Dirty() {
		t.Fatal("dirty survived ClearDirty")
	}
}

func TestChangeNotification(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "mode", Kind: Switch, Choices: []string{"a", "b"}, Reconfigure: true}, Choice("a"))

	var got []Change
	r.OnChange(func(ch Change) { got = append(got, ch) })

	if err := r.Set("mode", Choice("b")); err != nil {
		t.Fatal(err)
	}
	r.Update("mode", Choice("a"), StateBusy)

	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(got))
	}
	if got[0].Name != "mode" || got[0].Value.Str != "b" || !got[0].Reconfigure {
		t.Fatalf("first change = %+v", got[0])
	}
	if got[1].State != StateBusy {
		t.Fatalf("second change state = %s, want Busy", got[1].State)
	}
}

func TestSnapshotSkipsVolatileAndReadOnly(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "gain", Kind: Number, Min: 1, Max: 16}, Num(4))
	r.Define(Schema{Name: "left", Kind: Number, Volatile: true}, Num(3))
	r.Define(Schema{Name: "model", Kind: Text, ReadOnly: true}, Str("imx477"))

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1: %v", len(snap), snap)
	}
	if v, ok := snap["gain"]; !ok || v.Num != 4 {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestRemoveAndRedefine(t *testing.T) {
	r := NewRegistry()
	r.Define(Schema{Name: "gain", Kind: Number, Min: 1, Max: 16}, Num(1))
	r.Remove("gain")
	if r.Has("gain") {
		t.Fatal("property still present after Remove")
	}
	// a disconnect/reconnect cycle defines the same names again
	r.Define(Schema{Name: "gain", Kind: Number, Min: 1, Max: 16}, Num(2))
	if got := r.NumVal("gain"); got != 2 {
		t.Fatalf("redefined value = %g, want 2", got)
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(Number, "12.5")
	if err != nil || v.Num != 12.5 {
		t.Fatalf("ParseValue number = %v, %v", v, err)
	}
	v, err = ParseValue(Bool, true)
	if err != nil || !v.Bool {
		t.Fatalf("ParseValue bool = %v, %v", v, err)
	}
	if _, err := ParseValue(Number, "not a number"); err == nil {
		t.Fatal("garbage number accepted")
	}
	if _, err := ParseValue(Switch, 7); err == nil {
		t.Fatal("non-string switch accepted")
	}
}
