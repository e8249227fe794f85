package camera

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Size is a frame dimension in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) Pixels() int { return s.Width * s.Height }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// SensorMode describes one raw sensor readout mode as reported by the
// capture stack. Declared size is what the sensor delivers; EffectiveSize is
// the usable image area after quirk correction (garbage columns removed)
// and is always <= the declared size with even dimensions.
type SensorMode struct {
	Format        string // unpacked sensor format tag, e.g. "SRGGB12"
	BitDepth      int
	Size          Size // declared frame size
	EffectiveSize Size // usable area after quirk trim; equals Size when no quirk applies
	Binning       int  // pixel pitch scale vs. native; 1 = unbinned

	// Exposure time bounds in microseconds. Some cameras report degenerate
	// metadata where ExposureMax <= ExposureMin; callers must then treat the
	// mode as unbounded above ExposureMin.
	ExposureMin int64
	ExposureMax int64

	FrameRate float64
	Packed    bool // packed CSI2P modes carry no usable sample layout
}

// Label renders the mode the way it is presented as a selectable property,
// e.g. "4056x3040 RGGB 12bit".
func (m SensorMode) Label() string {
	cfa := m.BayerOrder()
	if cfa == "" {
		cfa = "mono"
	}
	return fmt.Sprintf("%dx%d %s %dbit", m.Size.Width, m.Size.Height, cfa, m.BitDepth)
}

// BayerOrder extracts the color filter arrangement from the format tag
// ("SRGGB12" -> "RGGB"). Returns "" for non-Bayer formats.
func (m SensorMode) BayerOrder() string {
	f := strings.TrimSuffix(m.Format, "_CSI2P")
	if len(f) < 5 || f[0] != 'S' {
		return ""
	}
	cfa := f[1:5]
	for _, c := range cfa {
		if c != 'R' && c != 'G' && c != 'B' {
			return ""
		}
	}
	return cfa
}

// IsBayer reports whether the mode delivers a Bayer mosaic.
func (m SensorMode) IsBayer() bool { return m.BayerOrder() != "" }

// DeviceInfo holds the fixed physical attributes of a camera. It is
// immutable once enumerated at connect time and replaced wholesale on
// reconnect.
type DeviceInfo struct {
	Model          string
	Location       string // stack-specific identifier, e.g. a media device path
	PixelArraySize Size
	UnitCellSizeNm Size // physical pixel pitch in nanometres
	Rotation       int  // sensor mounting rotation in degrees (0, 90, 180, 270)
}

// StreamConfig is the device configuration applied before captures.
type StreamConfig struct {
	Raw      bool
	Mode     SensorMode // raw mode to stream when Raw
	ProcSize Size       // processed (demosaiced) output size when !Raw
}

// CaptureParams are the per-exposure controls.
type CaptureParams struct {
	DurationUs int64
	Gain       float64
	AutoGain   bool
}

// Metadata is what the stack reports alongside a captured frame.
type Metadata struct {
	ExposureTimeUs int64
	AnalogueGain   float64
	SensorTempC    float64
	HasSensorTemp  bool
}

// CaptureResult is one captured frame plus its provenance. Raw frames carry
// one unpacked sample per pixel in Pix (row stride in samples); processed
// frames carry interleaved 8-bit RGB in RGB.
type CaptureResult struct {
	Raw    bool
	Pix    []uint16
	RGB    []byte
	Stride int // samples (raw) or pixels (rgb) per row
	Mode   SensorMode
	Size   Size // frame size as delivered (declared, pre-trim)

	Start     time.Time
	End       time.Time
	Restarted bool
	Meta      Metadata
}

// Stack enumerates attached cameras and opens devices.
// Implementations: the GStreamer libcamera backend and the simulator.
type Stack interface {
	// Cameras lists the identifiers of attached cameras, stable across the
	// process lifetime. Empty means no camera found.
	Cameras() []string

	// Open opens the camera with the given identifier and enumerates its
	// modes. The returned Device is exclusively owned by the caller.
	Open(id string) (Device, error)
}

// Device is an opened camera. All methods that touch hardware may block for
// the duration of a hardware round trip: mode switches for hundreds of
// milliseconds, Capture for the full exposure. Callers must keep these off
// any path that needs to stay responsive.
type Device interface {
	Info() DeviceInfo

	// Modes returns the usable raw sensor modes, largest pixel count first.
	// Packed-only modes are excluded. May be empty for stacks that only
	// deliver processed output.
	Modes() []SensorMode

	// Configure applies a stream configuration. On error the previous
	// configuration remains active.
	Configure(cfg StreamConfig) error

	// Capture performs one exposure and blocks until the frame is ready or
	// ctx is cancelled. Backends that cannot interrupt the sensor mid-
	// exposure may return only after the exposure finishes even when ctx is
	// already cancelled; callers discard such late results.
	Capture(ctx context.Context, p CaptureParams) (*CaptureResult, error)

	// Restart fully tears down and reopens the device, re-applying the last
	// accepted configuration. Used for camera models whose firmware corrupts
	// state across back-to-back captures.
	Restart() error

	Close() error
}
