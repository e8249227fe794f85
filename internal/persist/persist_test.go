package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cjeanneret/IndiGo/internal/props"
)

func testRegistry() *props.Registry {
	r := props.NewRegistry()
	r.Define(props.Schema{Name: "Gain", Kind: props.Number, Min: 1, Max: 16}, props.Num(1))
	r.Define(props.Schema{Name: "FrameFormat", Kind: props.Switch, Choices: []string{"raw", "rgb"}}, props.Choice("raw"))
	r.Define(props.Schema{Name: "Compress", Kind: props.Bool}, props.Flag(false))
	r.Define(props.Schema{Name: "ExposureLeft", Kind: props.Number, Volatile: true}, props.Num(0))
	r.Define(props.Schema{Name: "CameraModel", Kind: props.Text, ReadOnly: true}, props.Str("imx477"))
	return r
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := testRegistry()
	if err := r.Set("Gain", props.Num(8)); err != nil {
		t.Fatal(err)
	}
	if err := r.Set("FrameFormat", props.Choice("rgb")); err != nil {
		t.Fatal(err)
	}
	if err := r.Set("Compress", props.Flag(true)); err != nil {
		t.Fatal(err)
	}
	if err := Save(dir, "imx477", r); err != nil {
		t.Fatal(err)
	}

	fresh := testRegistry()
	if err := Load(dir, "imx477", fresh); err != nil {
		t.Fatal(err)
	}
	if got := fresh.NumVal("Gain"); got != 8 {
		t.Errorf("Gain = %g, want 8", got)
	}
	if got := fresh.StrVal("FrameFormat"); got != "rgb" {
		t.Errorf("FrameFormat = %q, want rgb", got)
	}
	if !fresh.BoolVal("Compress") {
		t.Error("Compress not restored")
	}
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	r := testRegistry()
	if err := Load(t.TempDir(), "imx477", r); err != nil {
		t.Fatalf("missing snapshot: %v", err)
	}
	if got := r.NumVal("Gain"); got != 1 {
		t.Fatalf("Gain = %g after no-op load", got)
	}
}

func TestLoadSkipsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	// stale snapshot: out-of-range number, unknown property, read-only hit
	snapshot := "Gain: 99\nOldKnob: 3\nCameraModel: fake\nFrameFormat: rgb\n"
	if err := os.WriteFile(Path(dir, "imx477"), []byte(snapshot), 0o644); err != nil {
		t.Fatal(err)
	}
	r := testRegistry()
	if err := Load(dir, "imx477", r); err != nil {
		t.Fatal(err)
	}
	if got := r.NumVal("Gain"); got != 1 {
		t.Errorf("out-of-range Gain applied: %g", got)
	}
	if got := r.StrVal("CameraModel"); got != "imx477" {
		t.Errorf("read-only property overwritten: %q", got)
	}
	// the valid entry still lands
	if got := r.StrVal("FrameFormat"); got != "rgb" {
		t.Errorf("valid entry skipped: %q", got)
	}
}

func TestSnapshotExcludesVolatileAndReadOnly(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, "imx477", testRegistry()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(Path(dir, "imx477"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "ExposureLeft") || strings.Contains(string(data), "CameraModel") {
		t.Fatalf("snapshot leaked volatile/read-only values:\n%s", data)
	}
}

func TestPathSanitizesIdentity(t *testing.T) {
	p := Path("/tmp/snaps", "../../etc/passwd")
	if strings.Contains(filepath.Base(p), "/") || strings.Contains(p, "..") {
		t.Fatalf("unsafe path %q", p)
	}
	if Path("/d", "") != filepath.Join("/d", "camera.props.yaml") {
		t.Fatalf("empty identity path = %q", Path("/d", ""))
	}
}
