package camera

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
)

// GstStack is the real capture backend: a GStreamer pipeline reading from
// libcamerasrc. Camera identifiers are libcamera location strings
// ("/base/soc/i2c0mux/i2c@1/imx477@1a"), supplied by configuration.
//
// GStreamer's bayer caps carry 8 bits per sample, so raw modes are delivered
// at depth 8 regardless of the sensor's native depth; processed output is
// full 8-bit RGB.
// TODO: enumerate modes from the negotiated source caps instead of the
// static sensor table once libcamerasrc exposes them pre-negotiation.
type GstStack struct {
	names []string
}

// NewGstStack initializes GStreamer and returns a stack over the given
// libcamera camera names.
func NewGstStack(names []string) *GstStack {
	gst.Init(nil)
	return &GstStack{names: names}
}

func (s *GstStack) Cameras() []string {
	ids := make([]string, len(s.names))
	copy(ids, s.names)
	return ids
}

func (s *GstStack) Open(id string) (Device, error) {
	found := false
	for _, n := range s.names {
		if n == id {
			found = true
			break
		}
	}
	if !found {
		return nil, errcode.Msg(errcode.DeviceUnavailable, fmt.Sprintf("no camera %q", id))
	}
	model := sensorModelFromName(id)
	profile, ok := knownSensors[model]
	if !ok {
		return nil, errcode.Msg(errcode.DeviceIncompatible, fmt.Sprintf("unknown sensor model %q", model))
	}
	profile.Info.Location = id
	return &gstDevice{name: id, profile: profile}, nil
}

// sensorModelFromName extracts the sensor model from a libcamera location
// string: the last path segment before the I2C address ("imx477@1a").
func sensorModelFromName(name string) string {
	seg := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		seg = name[i+1:]
	}
	if i := strings.Index(seg, "@"); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

// knownSensors maps sensor models to their mode geometry. Bit depth is 8 in
// every raw entry: that is what the bayer caps deliver (see GstStack doc).
var knownSensors = map[string]Profile{
	"imx477": {
		Info: DeviceInfo{Model: "imx477", PixelArraySize: Size{4056, 3040}, UnitCellSizeNm: Size{1550, 1550}, Rotation: 180},
		Modes: []SensorMode{
			{Format: "SRGGB8", BitDepth: 8, Size: Size{4056, 3040}, EffectiveSize: Size{4056, 3040}, Binning: 1, FrameRate: 10.0},
			{Format: "SRGGB8", BitDepth: 8, Size: Size{2028, 1520}, EffectiveSize: Size{2028, 1520}, Binning: 2, FrameRate: 40.01},
			{Format: "SRGGB8", BitDepth: 8, Size: Size{2028, 1080}, EffectiveSize: Size{2028, 1080}, Binning: 2, FrameRate: 50.03},
			{Format: "SRGGB8", BitDepth: 8, Size: Size{1332, 990}, EffectiveSize: Size{1332, 990}, Binning: 2, FrameRate: 120.05},
		},
	},
	"ov5647": {
		Info: DeviceInfo{Model: "ov5647", PixelArraySize: Size{2592, 1944}, UnitCellSizeNm: Size{1400, 1400}, Rotation: 0},
		Modes: []SensorMode{
			{Format: "SGBRG8", BitDepth: 8, Size: Size{2592, 1944}, EffectiveSize: Size{2592, 1944}, Binning: 1, FrameRate: 15.0},
			{Format: "SGBRG8", BitDepth: 8, Size: Size{1920, 1080}, EffectiveSize: Size{1920, 1080}, Binning: 1, FrameRate: 30.0},
			{Format: "SGBRG8", BitDepth: 8, Size: Size{1296, 972}, EffectiveSize: Size{1296, 972}, Binning: 2, FrameRate: 46.0},
			{Format: "SGBRG8", BitDepth: 8, Size: Size{640, 480}, EffectiveSize: Size{640, 480}, Binning: 4, FrameRate: 90.0},
		},
	},
	"imx708": {
		Info: DeviceInfo{Model: "imx708", PixelArraySize: Size{4608, 2592}, UnitCellSizeNm: Size{1400, 1400}, Rotation: 180},
		Modes: []SensorMode{
			{Format: "SRGGB8", BitDepth: 8, Size: Size{4608, 2592}, EffectiveSize: Size{4608, 2592}, Binning: 1, FrameRate: 14.35},
			{Format: "SRGGB8", BitDepth: 8, Size: Size{2304, 1296}, EffectiveSize: Size{2304, 1296}, Binning: 2, FrameRate: 56.03},
			{Format: "SRGGB8", BitDepth: 8, Size: Size{1536, 864}, EffectiveSize: Size{1536, 864}, Binning: 2, FrameRate: 120.13},
		},
	},
}

type gstDevice struct {
	name    string
	profile Profile

	mu     sync.Mutex
	cfg    StreamConfig
	haveCfg bool

	pipeline *gst.Pipeline
	appsink  *app.Sink
	closed   bool
}

func (d *gstDevice) Info() DeviceInfo { return d.profile.Info }

func (d *gstDevice) Modes() []SensorMode {
	modes := make([]SensorMode, len(d.profile.Modes))
	copy(modes, d.profile.Modes)
	return modes
}

func (d *gstDevice) Configure(cfg StreamConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.Msg(errcode.DeviceUnavailable, "device closed")
	}
	if err := d.rebuildLocked(cfg); err != nil {
		// previous pipeline is already gone; reapply the old configuration
		// so the device stays usable
		if d.haveCfg {
			if restoreErr := d.rebuildLocked(d.cfg); restoreErr != nil {
				debug.Error(restoreErr)
			}
		}
		return errcode.Wrap(errcode.ConfigurationRejected, "gst configure", err)
	}
	d.cfg = cfg
	d.haveCfg = true
	return nil
}

// rebuildLocked tears down any existing pipeline and builds
// libcamerasrc -> capsfilter -> appsink for the given configuration.
func (d *gstDevice) rebuildLocked(cfg StreamConfig) error {
	d.teardownLocked()

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("libcamerasrc")
	if err != nil {
		return fmt.Errorf("create libcamerasrc: %w", err)
	}
	src.SetProperty("camera-name", d.name)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("create capsfilter: %w", err)
	}
	var capsStr string
	if cfg.Raw {
		capsStr = fmt.Sprintf("video/x-bayer,format=%s,width=%d,height=%d",
			strings.ToLower(cfg.Mode.BayerOrder()), cfg.Mode.Size.Width, cfg.Mode.Size.Height)
	} else {
		capsStr = fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d",
			cfg.ProcSize.Width, cfg.ProcSize.Height)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("link pipeline: %w", err)
	}

	d.pipeline = pipeline
	d.appsink = appsink
	debug.Trace("gst: pipeline built, caps=%s", capsStr)
	return nil
}

func (d *gstDevice) teardownLocked() {
	if d.pipeline != nil {
		d.pipeline.SetState(gst.StateNull)
		d.pipeline = nil
		d.appsink = nil
	}
}

func (d *gstDevice) Capture(ctx context.Context, p CaptureParams) (*CaptureResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errcode.Msg(errcode.DeviceUnavailable, "device closed")
	}
	if d.pipeline == nil {
		d.mu.Unlock()
		return nil, errcode.Msg(errcode.ConfigurationRejected, "capture before configure")
	}
	pipeline, appsink, cfg := d.pipeline, d.appsink, d.cfg
	d.mu.Unlock()

	start := time.Now()
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, errcode.Wrap(errcode.CaptureFailed, "gst start", err)
	}
	defer pipeline.SetState(gst.StateNull)

	// PullSample blocks until a frame arrives; the sensor cannot be
	// interrupted mid-exposure, so cancellation forces the pipeline down and
	// the pull returns nil. The session discards the late result either way.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pipeline.SetState(gst.StateNull)
		case <-done:
		}
	}()

	sample := appsink.PullSample()
	if sample == nil {
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.Aborted, "gst capture", ctx.Err())
		}
		return nil, errcode.Msg(errcode.CaptureFailed, "no sample from appsink")
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errcode.Msg(errcode.CaptureFailed, "sample without buffer")
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	res := &CaptureResult{
		Raw:   cfg.Raw,
		Mode:  cfg.Mode,
		Start: start,
		End:   time.Now(),
		Meta: Metadata{
			ExposureTimeUs: p.DurationUs,
			AnalogueGain:   p.Gain,
		},
	}
	if cfg.Raw {
		res.Size = cfg.Mode.Size
		res.Stride = cfg.Mode.Size.Width
		res.Pix = widenSamples(frame)
	} else {
		res.Size = cfg.ProcSize
		res.Stride = cfg.ProcSize.Width
		res.RGB = frame
	}
	debug.Trace("gst: captured %d bytes", len(frame))
	return res, nil
}

func (d *gstDevice) Restart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.Msg(errcode.DeviceUnavailable, "device closed")
	}
	if !d.haveCfg {
		return nil
	}
	if err := d.rebuildLocked(d.cfg); err != nil {
		return errcode.Wrap(errcode.DeviceUnavailable, "gst restart", err)
	}
	debug.Trace("gst: restarted %s", d.name)
	return nil
}

func (d *gstDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownLocked()
	d.closed = true
	return nil
}

// widenSamples lifts 8-bit bayer bytes into the uint16 sample layout shared
// with the simulator.
func widenSamples(data []byte) []uint16 {
	pix := make([]uint16, len(data))
	for i, b := range data {
		pix[i] = uint16(b)
	}
	return pix
}
