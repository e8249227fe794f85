package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
)

// SimStack is a capture stack backed by simulated cameras. It is the
// development and test backend: deterministic frames, honest blocking for
// the requested exposure duration, cancellable through the context.
type SimStack struct {
	devices map[string]*SimDevice
	order   []string
}

// NewSimStack creates a stack with a single simulated HQ-style camera
// ("sim0", imx477 geometry and modes).
func NewSimStack() *SimStack {
	s := &SimStack{devices: map[string]*SimDevice{}}
	s.Add("sim0", NewSimDevice(SimHQCamera()))
	return s
}

// Add registers a simulated device under an identifier.
func (s *SimStack) Add(id string, dev *SimDevice) {
	if _, exists := s.devices[id]; !exists {
		s.order = append(s.order, id)
	}
	s.devices[id] = dev
}

func (s *SimStack) Cameras() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

func (s *SimStack) Open(id string) (Device, error) {
	dev, ok := s.devices[id]
	if !ok {
		return nil, errcode.Msg(errcode.DeviceUnavailable, fmt.Sprintf("no camera %q", id))
	}
	dev.mu.Lock()
	dev.closed = false
	dev.mu.Unlock()
	return dev, nil
}

// Profile describes the simulated hardware.
type Profile struct {
	Info  DeviceInfo
	Modes []SensorMode
}

// SimHQCamera returns an imx477-like profile: 12-bit RGGB sensor mounted
// rotated 180 degrees, four raw modes, realistic exposure bounds.
func SimHQCamera() Profile {
	return Profile{
		Info: DeviceInfo{
			Model:          "imx477",
			Location:       "/base/soc/i2c0mux/i2c@1/imx477@1a",
			PixelArraySize: Size{4056, 3040},
			UnitCellSizeNm: Size{1550, 1550},
			Rotation:       180,
		},
		Modes: []SensorMode{
			{Format: "SRGGB12", BitDepth: 12, Size: Size{4056, 3040}, EffectiveSize: Size{4056, 3040}, Binning: 1, ExposureMin: 114, ExposureMax: 694422939, FrameRate: 10.0},
			{Format: "SRGGB12", BitDepth: 12, Size: Size{2028, 1520}, EffectiveSize: Size{2028, 1520}, Binning: 2, ExposureMin: 114, ExposureMax: 694422939, FrameRate: 40.01},
			{Format: "SRGGB12", BitDepth: 12, Size: Size{2028, 1080}, EffectiveSize: Size{2028, 1080}, Binning: 2, ExposureMin: 114, ExposureMax: 694422939, FrameRate: 50.03},
			{Format: "SRGGB10", BitDepth: 10, Size: Size{1332, 990}, EffectiveSize: Size{1332, 990}, Binning: 2, ExposureMin: 31, ExposureMax: 667244877, FrameRate: 120.05},
		},
	}
}

// SimDevice is an opened simulated camera.
type SimDevice struct {
	profile Profile

	mu         sync.Mutex
	cfg        StreamConfig
	configured bool
	closed     bool
	restarts   int

	// RejectConfigure, when set, makes the next Configure fail with this
	// reason, mimicking the stack refusing a configuration.
	RejectConfigure string
	// FailCapture, when set, makes captures fail with this reason.
	FailCapture string
}

func NewSimDevice(p Profile) *SimDevice {
	return &SimDevice{profile: p}
}

func (d *SimDevice) Info() DeviceInfo { return d.profile.Info }

func (d *SimDevice) Modes() []SensorMode {
	modes := make([]SensorMode, len(d.profile.Modes))
	copy(modes, d.profile.Modes)
	return modes
}

// Restarts returns how many times the device was torn down and reopened.
func (d *SimDevice) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

func (d *SimDevice) Configure(cfg StreamConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.Msg(errcode.DeviceUnavailable, "device closed")
	}
	if d.RejectConfigure != "" {
		return errcode.Msg(errcode.ConfigurationRejected, d.RejectConfigure)
	}
	if cfg.Raw && cfg.Mode.Size.Pixels() == 0 {
		return errcode.Msg(errcode.ConfigurationRejected, "raw stream without sensor mode")
	}
	if !cfg.Raw && cfg.ProcSize.Pixels() == 0 {
		return errcode.Msg(errcode.ConfigurationRejected, "processed stream without output size")
	}
	// mode switch takes real time on hardware; keep the simulation honest
	// but fast
	time.Sleep(time.Millisecond)
	d.cfg = cfg
	d.configured = true
	debug.Trace("sim: configured raw=%v mode=%s proc=%s", cfg.Raw, cfg.Mode.Size, cfg.ProcSize)
	return nil
}

func (d *SimDevice) Capture(ctx context.Context, p CaptureParams) (*CaptureResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errcode.Msg(errcode.DeviceUnavailable, "device closed")
	}
	if !d.configured {
		d.mu.Unlock()
		return nil, errcode.Msg(errcode.ConfigurationRejected, "capture before configure")
	}
	if d.FailCapture != "" {
		reason := d.FailCapture
		d.mu.Unlock()
		return nil, errcode.Msg(errcode.CaptureFailed, reason)
	}
	cfg := d.cfg
	d.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(time.Duration(p.DurationUs) * time.Microsecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, errcode.Wrap(errcode.Aborted, "sim capture", ctx.Err())
	case <-timer.C:
	}

	res := &CaptureResult{
		Raw:   cfg.Raw,
		Mode:  cfg.Mode,
		Start: start,
		End:   time.Now(),
		Meta: Metadata{
			ExposureTimeUs: p.DurationUs,
			AnalogueGain:   p.Gain,
			SensorTempC:    22.5,
			HasSensorTemp:  true,
		},
	}
	if cfg.Raw {
		res.Size = cfg.Mode.Size
		res.Stride = cfg.Mode.Size.Width
		res.Pix = simBayerFrame(cfg.Mode)
	} else {
		res.Size = cfg.ProcSize
		res.Stride = cfg.ProcSize.Width
		res.RGB = simRGBFrame(cfg.ProcSize)
	}
	return res, nil
}

func (d *SimDevice) Restart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.Msg(errcode.DeviceUnavailable, "device closed")
	}
	time.Sleep(time.Millisecond)
	d.restarts++
	debug.Trace("sim: restart #%d", d.restarts)
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.configured = false
	return nil
}

// simBayerFrame builds a deterministic diagonal gradient at the mode's
// native bit depth.
func simBayerFrame(m SensorMode) []uint16 {
	w, h := m.Size.Width, m.Size.Height
	maxVal := uint32(1)<<uint(m.BitDepth) - 1
	pix := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			pix[row+x] = uint16(uint32(x+y) % (maxVal + 1))
		}
	}
	return pix
}

func simRGBFrame(s Size) []byte {
	buf := make([]byte, s.Width*s.Height*3)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			i := (y*s.Width + x) * 3
			buf[i] = byte(x)
			buf[i+1] = byte(y)
			buf[i+2] = byte(x + y)
		}
	}
	return buf
}
