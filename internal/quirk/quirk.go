// Package quirk holds the per-model camera quirk table: static trim offsets
// for modes that pad frames with non-image columns, restart requirements for
// models whose firmware corrupts state across back-to-back captures, and
// hard overrides for sensors that misreport their own geometry.
//
// The table replaces per-model branching in the capture path: it is looked
// up once at connect time and the corrected modes flow through the rest of
// the driver as plain data.
package quirk

import (
	"fmt"

	"github.com/cjeanneret/IndiGo/internal/hw/camera"
)

// RestartPolicy decides whether the device must be torn down and reopened
// before an exposure.
type RestartPolicy int

const (
	// RestartAutomatic restarts only for models on the instability denylist.
	RestartAutomatic RestartPolicy = iota
	// RestartAlways restarts before every exposure.
	RestartAlways
	// RestartNever never restarts.
	RestartNever
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartAlways:
		return "always"
	case RestartNever:
		return "never"
	default:
		return "automatic"
	}
}

// ParseRestartPolicy parses the config representation.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch s {
	case "", "automatic", "auto":
		return RestartAutomatic, nil
	case "always":
		return RestartAlways, nil
	case "never":
		return RestartNever, nil
	}
	return RestartAutomatic, fmt.Errorf("unknown restart policy %q", s)
}

// ModeTrim maps a declared frame size to its usable image area and the
// binning factor that produced the mode.
type ModeTrim struct {
	Declared  camera.Size
	Effective camera.Size
	Binning   int
}

// Entry is the quirk record for one sensor model. Zero-value fields mean
// "no correction".
type Entry struct {
	Model           string
	Trims           []ModeTrim
	Restart         RestartPolicy
	ForceBayerOrder string      // overrides the rotation-derived Bayer order
	ForceUnitCellNm camera.Size // overrides the reported pixel pitch
}

// Table is the quirk lookup plus the instability denylist consulted by the
// automatic restart policy. The denylist is collaborator-supplied data, not
// derived from the entries.
type Table struct {
	entries  map[string]Entry
	denylist map[string]bool
}

// NewTable builds a table from entries and an instability denylist.
func NewTable(entries []Entry, denylist []string) *Table {
	t := &Table{entries: map[string]Entry{}, denylist: map[string]bool{}}
	for _, e := range entries {
		t.entries[e.Model] = e
	}
	for _, m := range denylist {
		t.denylist[m] = true
	}
	return t
}

// DefaultTable carries the corrections known from the field.
func DefaultTable() *Table {
	return NewTable([]Entry{
		{
			// HQ camera pads two binned modes with garbage columns.
			Model: "imx477",
			Trims: []ModeTrim{
				{Declared: camera.Size{Width: 1332, Height: 990}, Effective: camera.Size{Width: 1332, Height: 990}, Binning: 2},
				{Declared: camera.Size{Width: 2028, Height: 1080}, Effective: camera.Size{Width: 2024, Height: 1080}, Binning: 2},
				{Declared: camera.Size{Width: 2028, Height: 1520}, Effective: camera.Size{Width: 2024, Height: 1520}, Binning: 2},
				{Declared: camera.Size{Width: 4056, Height: 3040}, Effective: camera.Size{Width: 4056, Height: 3040}, Binning: 1},
			},
		},
		{
			Model: "ov5647",
			Trims: []ModeTrim{
				{Declared: camera.Size{Width: 640, Height: 480}, Effective: camera.Size{Width: 640, Height: 480}, Binning: 4},
				{Declared: camera.Size{Width: 1296, Height: 972}, Effective: camera.Size{Width: 1296, Height: 972}, Binning: 2},
				{Declared: camera.Size{Width: 1920, Height: 1080}, Effective: camera.Size{Width: 1920, Height: 1080}, Binning: 1},
				{Declared: camera.Size{Width: 2592, Height: 1944}, Effective: camera.Size{Width: 2592, Height: 1944}, Binning: 1},
			},
		},
	}, []string{
		// models whose firmware needs a stop/start cycle between captures
		"imx708",
	})
}

// Lookup returns the entry for a model. Absent entries imply no correction.
func (t *Table) Lookup(model string) (Entry, bool) {
	e, ok := t.entries[model]
	return e, ok
}

// NeedsRestart resolves a policy against the denylist for a model.
func (t *Table) NeedsRestart(model string, policy RestartPolicy) bool {
	switch policy {
	case RestartAlways:
		return true
	case RestartNever:
		return false
	default:
		return t.denylist[model]
	}
}

// Apply corrects a sensor mode with the model's quirk data: effective size
// from the trim table, binning factor, even alignment. An odd trim is
// rounded down to the nearest even size; the one-pixel residual is accepted
// imprecision.
func (t *Table) Apply(model string, m camera.SensorMode) camera.SensorMode {
	m.EffectiveSize = m.Size
	if m.Binning == 0 {
		m.Binning = 1
	}
	e, ok := t.entries[model]
	if !ok {
		return m
	}
	for _, trim := range e.Trims {
		if trim.Declared != m.Size {
			continue
		}
		eff := trim.Effective
		if eff.Width > m.Size.Width {
			eff.Width = m.Size.Width
		}
		if eff.Height > m.Size.Height {
			eff.Height = m.Size.Height
		}
		// preserve Bayer periodicity
		if eff != m.Size {
			eff.Width &^= 1
			eff.Height &^= 1
		}
		m.EffectiveSize = eff
		if trim.Binning > 0 {
			m.Binning = trim.Binning
		}
		break
	}
	return m
}

// ApplyInfo corrects device info with forced overrides.
func (t *Table) ApplyInfo(info camera.DeviceInfo) camera.DeviceInfo {
	e, ok := t.entries[info.Model]
	if !ok {
		return info
	}
	if e.ForceUnitCellNm.Width > 0 && e.ForceUnitCellNm.Height > 0 {
		info.UnitCellSizeNm = e.ForceUnitCellNm
	}
	return info
}

// BayerOverride returns the forced Bayer order for a model, "" if none.
func (t *Table) BayerOverride(model string) string {
	if e, ok := t.entries[model]; ok {
		return e.ForceBayerOrder
	}
	return ""
}
