package quirk

import (
	"testing"

	"github.com/cjeanneret/IndiGo/internal/hw/camera"
)

func TestApplyTrimsKnownModes(t *testing.T) {
	tab := DefaultTable()

	cases := []struct {
		declared, effective camera.Size
		binning             int
	}{
		{camera.Size{Width: 2028, Height: 1080}, camera.Size{Width: 2024, Height: 1080}, 2},
		{camera.Size{Width: 2028, Height: 1520}, camera.Size{Width: 2024, Height: 1520}, 2},
		{camera.Size{Width: 4056, Height: 3040}, camera.Size{Width: 4056, Height: 3040}, 1},
	}
	for _, c := range cases {
		m := tab.Apply("imx477", camera.SensorMode{Format: "SRGGB12", BitDepth: 12, Size: c.declared})
		if m.EffectiveSize != c.effective {
			t.Errorf("imx477 %s: effective = %s, want %s", c.declared, m.EffectiveSize, c.effective)
		}
		if m.Binning != c.binning {
			t.Errorf("imx477 %s: binning = %d, want %d", c.declared, m.Binning, c.binning)
		}
	}
}

func TestApplyUnknownModelPassesThrough(t *testing.T) {
	tab := DefaultTable()
	m := tab.Apply("imx999", camera.SensorMode{Size: camera.Size{Width: 1000, Height: 800}})
	if m.EffectiveSize != m.Size {
		t.Fatalf("effective = %s, want declared %s", m.EffectiveSize, m.Size)
	}
	if m.Binning != 1 {
		t.Fatalf("binning = %d, want 1", m.Binning)
	}
}

func TestApplyRoundsOddTrimDown(t *testing.T) {
	tab := NewTable([]Entry{{
		Model: "oddcam",
		Trims: []ModeTrim{{
			Declared:  camera.Size{Width: 2028, Height: 1080},
			Effective: camera.Size{Width: 2025, Height: 1079},
		}},
	}}, nil)
	m := tab.Apply("oddcam", camera.SensorMode{Size: camera.Size{Width: 2028, Height: 1080}})
	// odd trims round down so the Bayer cell stays aligned
	if m.EffectiveSize.Width != 2024 || m.EffectiveSize.Height != 1078 {
		t.Fatalf("effective = %s, want 2024x1078", m.EffectiveSize)
	}
}

func TestApplyClampsTrimToDeclared(t *testing.T) {
	tab := NewTable([]Entry{{
		Model: "badcam",
		Trims: []ModeTrim{{
			Declared:  camera.Size{Width: 100, Height: 100},
			Effective: camera.Size{Width: 200, Height: 100},
		}},
	}}, nil)
	m := tab.Apply("badcam", camera.SensorMode{Size: camera.Size{Width: 100, Height: 100}})
	if m.EffectiveSize.Width > 100 {
		t.Fatalf("effective width %d exceeds declared 100", m.EffectiveSize.Width)
	}
}

func TestNeedsRestart(t *testing.T) {
	tab := DefaultTable()
	if !tab.NeedsRestart("imx477", RestartAlways) {
		t.Error("always policy did not restart")
	}
	if tab.NeedsRestart("imx708", RestartNever) {
		t.Error("never policy restarted")
	}
	if !tab.NeedsRestart("imx708", RestartAutomatic) {
		t.Error("automatic policy ignored the denylist")
	}
	if tab.NeedsRestart("imx477", RestartAutomatic) {
		t.Error("automatic policy restarted a stable model")
	}
}

func TestParseRestartPolicy(t *testing.T) {
	for s, want := range map[string]RestartPolicy{
		"":          RestartAutomatic,
		"automatic": RestartAutomatic,
		"always":    RestartAlways,
		"never":     RestartNever,
	} {
		got, err := ParseRestartPolicy(s)
		if err != nil || got != want {
			t.Errorf("ParseRestartPolicy(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseRestartPolicy("sometimes"); err == nil {
		t.Error("invalid policy accepted")
	}
}

func TestApplyInfoForcesUnitCell(t *testing.T) {
	tab := NewTable([]Entry{{
		Model:           "liarcam",
		ForceUnitCellNm: camera.Size{Width: 1400, Height: 1400},
	}}, nil)
	info := tab.ApplyInfo(camera.DeviceInfo{Model: "liarcam", UnitCellSizeNm: camera.Size{Width: 1000, Height: 1000}})
	if info.UnitCellSizeNm.Width != 1400 {
		t.Fatalf("unit cell = %s, want 1400x1400", info.UnitCellSizeNm)
	}
}

func TestBayerOverride(t *testing.T) {
	tab := NewTable([]Entry{{Model: "flipcam", ForceBayerOrder: "BGGR"}}, nil)
	if got := tab.BayerOverride("flipcam"); got != "BGGR" {
		t.Fatalf("override = %q, want BGGR", got)
	}
	if got := tab.BayerOverride("other"); got != "" {
		t.Fatalf("override for unknown model = %q, want empty", got)
	}
}
