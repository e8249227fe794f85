package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/hw/camera"
	"github.com/cjeanneret/IndiGo/internal/pipeline"
	"github.com/cjeanneret/IndiGo/internal/props"
)

// defineGeneralProps registers the properties that exist for the whole
// process lifetime, connected or not.
func (m *Machine) defineGeneralProps() {
	m.reg.Define(props.Schema{
		Name: props.CameraSelect, Label: "Camera", Kind: props.Text,
	}, props.Str(m.opts.DefaultCamera))
	m.reg.Define(props.Schema{
		Name: props.SessionState, Label: "Session state", Kind: props.Text,
		ReadOnly: true, Volatile: true,
	}, props.Str(Disconnected.String()))
}

// cameraPropNames is the camera-specific set, defined at connect and
// removed at disconnect.
var cameraPropNames = []string{
	props.CameraModel, props.PixelArraySize, props.UnitCellSize, props.SensorTemp,
	props.ExposureTime, props.Gain, props.GainAuto,
	props.FrameFormat, props.RawMode,
	props.ProcWidth, props.ProcHeight,
	props.FrameLeft, props.FrameTop, props.FrameWidth, props.FrameHeight,
	props.Binning, props.BitDepth,
	props.FrameType, props.UploadMode, props.UploadDir, props.UploadPrefix, props.Compress,
	props.ExposureLeft,
}

func (m *Machine) defineCameraProps() {
	info, modes := m.info, m.modes

	m.reg.Define(props.Schema{
		Name: props.CameraModel, Label: "Model", Kind: props.Text, ReadOnly: true,
	}, props.Str(info.Model))
	m.reg.Define(props.Schema{
		Name: props.PixelArraySize, Label: "Pixel array", Kind: props.Text, ReadOnly: true,
	}, props.Str(info.PixelArraySize.String()))
	m.reg.Define(props.Schema{
		Name: props.UnitCellSize, Label: "Pixel pitch (nm)", Kind: props.Text, ReadOnly: true,
	}, props.Str(info.UnitCellSizeNm.String()))
	m.reg.Define(props.Schema{
		Name: props.SensorTemp, Label: "Sensor temperature", Kind: props.Number,
		Min: -273, Max: 200, ReadOnly: true, Volatile: true,
	}, props.Num(0))

	// exposure bounds span all modes; a degenerate reported max leaves the
	// property unbounded above its minimum
	expMin, expMax := exposureBounds(modes)
	m.reg.Define(props.Schema{
		Name: props.ExposureTime, Label: "Exposure time (us)", Kind: props.Number,
		Min: float64(expMin), Max: float64(expMax),
	}, props.Num(float64(clampI64(1_000_000, expMin, expMax))))
	m.reg.Define(props.Schema{
		Name: props.Gain, Label: "Analogue gain", Kind: props.Number, Min: 1, Max: 16,
	}, props.Num(1))
	m.reg.Define(props.Schema{
		Name: props.GainAuto, Label: "Auto gain", Kind: props.Bool,
	}, props.Flag(false))

	formats := []string{props.FormatRGB, props.FormatMono}
	defFormat := props.FormatRGB
	if len(modes) > 0 {
		formats = []string{props.FormatRaw, props.FormatRGB, props.FormatMono}
		defFormat = props.FormatRaw
	}
	m.reg.Define(props.Schema{
		Name: props.FrameFormat, Label: "Frame format", Kind: props.Switch,
		Choices: formats, Reconfigure: true,
	}, props.Choice(defFormat))

	labels := make([]string, 0, len(modes))
	for _, mo := range modes {
		labels = append(labels, mo.Label())
	}
	defMode := ""
	if len(labels) > 0 {
		defMode = labels[0]
	}
	m.reg.Define(props.Schema{
		Name: props.RawMode, Label: "Sensor mode", Kind: props.Switch,
		Choices: labels, Reconfigure: true,
	}, props.Choice(defMode))

	arr := info.PixelArraySize
	m.reg.Define(props.Schema{
		Name: props.ProcWidth, Label: "Processed width", Kind: props.Number,
		Min: 0, Max: float64(arr.Width), Reconfigure: true,
	}, props.Num(float64(arr.Width)))
	m.reg.Define(props.Schema{
		Name: props.ProcHeight, Label: "Processed height", Kind: props.Number,
		Min: 0, Max: float64(arr.Height), Reconfigure: true,
	}, props.Num(float64(arr.Height)))

	// the frame window reflects the configured mode; the capture stack
	// offers no sub-frame readout, so it is reported, never requested
	m.reg.Define(props.Schema{
		Name: props.FrameLeft, Label: "Frame left", Kind: props.Number, ReadOnly: true,
	}, props.Num(0))
	m.reg.Define(props.Schema{
		Name: props.FrameTop, Label: "Frame top", Kind: props.Number, ReadOnly: true,
	}, props.Num(0))
	m.reg.Define(props.Schema{
		Name: props.FrameWidth, Label: "Frame width", Kind: props.Number, ReadOnly: true,
	}, props.Num(float64(arr.Width)))
	m.reg.Define(props.Schema{
		Name: props.FrameHeight, Label: "Frame height", Kind: props.Number, ReadOnly: true,
	}, props.Num(float64(arr.Height)))

	m.reg.Define(props.Schema{
		Name: props.Binning, Label: "Binning", Kind: props.Number, ReadOnly: true,
	}, props.Num(1))
	m.reg.Define(props.Schema{
		Name: props.BitDepth, Label: "Bit depth", Kind: props.Number, ReadOnly: true,
	}, props.Num(8))

	m.reg.Define(props.Schema{
		Name: props.FrameType, Label: "Frame type", Kind: props.Switch,
		Choices: props.FrameTypes,
	}, props.Choice("Light"))
	m.reg.Define(props.Schema{
		Name: props.UploadMode, Label: "Upload mode", Kind: props.Switch,
		Choices: props.UploadModes,
	}, props.Choice(defaultStr(m.opts.UploadMode, props.UploadClient)))
	m.reg.Define(props.Schema{
		Name: props.UploadDir, Label: "Upload directory", Kind: props.Text,
	}, props.Str(defaultStr(m.opts.UploadDir, ".")))
	m.reg.Define(props.Schema{
		Name: props.UploadPrefix, Label: "Upload prefix", Kind: props.Text,
	}, props.Str(defaultStr(m.opts.UploadPrefix, "IMAGE_XXX")))
	m.reg.Define(props.Schema{
		Name: props.Compress, Label: "Compress artifacts", Kind: props.Bool,
	}, props.Flag(false))

	m.reg.Define(props.Schema{
		Name: props.ExposureLeft, Label: "Exposure remaining (s)", Kind: props.Number,
		ReadOnly: true, Volatile: true,
	}, props.Num(0))
}

func (m *Machine) removeCameraProps() {
	for _, name := range cameraPropNames {
		m.reg.Remove(name)
	}
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if hi > lo && v > hi {
		return hi
	}
	return v
}

func exposureBounds(modes []camera.SensorMode) (int64, int64) {
	if len(modes) == 0 {
		return 1, 0 // unbounded
	}
	lo, hi := modes[0].ExposureMin, modes[0].ExposureMax
	for _, mo := range modes[1:] {
		if mo.ExposureMin < lo {
			lo = mo.ExposureMin
		}
		if mo.ExposureMax > hi {
			hi = mo.ExposureMax
		}
	}
	return lo, hi
}

// buildStream translates the current property values into a device stream
// configuration and the pipeline target that consumes it.
func (m *Machine) buildStream() (camera.StreamConfig, pipeline.Target, error) {
	format := m.reg.StrVal(props.FrameFormat)
	var cfg camera.StreamConfig
	var target pipeline.Target

	// mono prefers a raw source (full bit depth, synthesized downstream)
	// and falls back to the processed stream on raw-less backends
	useRaw := len(m.modes) > 0 && (format == props.FormatRaw || format == props.FormatMono)
	if useRaw {
		mode := m.modes[0]
		if label := m.reg.StrVal(props.RawMode); label != "" {
			found := false
			for _, mo := range m.modes {
				if mo.Label() == label {
					mode, found = mo, true
					break
				}
			}
			if !found {
				return cfg, target, errcode.Msg(errcode.ConfigurationRejected,
					fmt.Sprintf("unknown sensor mode %q", label))
			}
		}
		cfg = camera.StreamConfig{Raw: true, Mode: mode}
		target = pipeline.TargetRaw
	} else {
		if format == props.FormatRaw {
			return cfg, target, errcode.Msg(errcode.ConfigurationRejected,
				fmt.Sprintf("%s has no raw modes", m.info.Model))
		}
		w := int(m.reg.NumVal(props.ProcWidth))
		h := int(m.reg.NumVal(props.ProcHeight))
		if w == 0 || h == 0 {
			w, h = m.info.PixelArraySize.Width, m.info.PixelArraySize.Height
		}
		cfg = camera.StreamConfig{ProcSize: camera.Size{Width: w, Height: h}}
		target = pipeline.TargetRGB
	}
	if format == props.FormatMono {
		target = pipeline.TargetMono
	}

	// derived, read-only reflections of the committed configuration
	frame := cfg.ProcSize
	if cfg.Raw {
		frame = cfg.Mode.EffectiveSize
		m.reg.Update(props.Binning, props.Num(float64(cfg.Mode.Binning)), props.StateOK)
		m.reg.Update(props.BitDepth, props.Num(float64(cfg.Mode.BitDepth)), props.StateOK)
	} else {
		m.reg.Update(props.Binning, props.Num(1), props.StateOK)
		m.reg.Update(props.BitDepth, props.Num(8), props.StateOK)
	}
	m.reg.Update(props.FrameLeft, props.Num(0), props.StateOK)
	m.reg.Update(props.FrameTop, props.Num(0), props.StateOK)
	m.reg.Update(props.FrameWidth, props.Num(float64(frame.Width)), props.StateOK)
	m.reg.Update(props.FrameHeight, props.Num(float64(frame.Height)), props.StateOK)
	debug.PrintStruct("stream", cfg)
	return cfg, target, nil
}

// captureParams reads the exposure controls and clamps the duration to the
// selected mode's reported bounds. Clamping, not rejecting: the registry
// bounds span all modes, the tighter per-mode bounds only surface here.
func (m *Machine) captureParams(cfg camera.StreamConfig) camera.CaptureParams {
	dur := int64(m.reg.NumVal(props.ExposureTime))
	if cfg.Raw {
		clamped := clampI64(dur, cfg.Mode.ExposureMin, cfg.Mode.ExposureMax)
		if clamped != dur {
			debug.Verbose("exposure %d us clamped to %d us for mode %s", dur, clamped, cfg.Mode.Label())
			dur = clamped
		}
	}
	return camera.CaptureParams{
		DurationUs: dur,
		Gain:       m.reg.NumVal(props.Gain),
		AutoGain:   m.reg.BoolVal(props.GainAuto),
	}
}

func (m *Machine) bayerOverride() string {
	if m.opts.ForceBayerOrder != "" {
		return m.opts.ForceBayerOrder
	}
	return m.opts.Quirks.BayerOverride(m.info.Model)
}

// deliver runs the pipeline on a finished capture and routes the artifact
// per the upload mode. A failed local save does not block client delivery.
func (m *Machine) deliver(res *camera.CaptureResult) {
	opt := pipeline.Options{
		Target:        m.target,
		FrameType:     m.reg.StrVal(props.FrameType),
		Compress:      m.reg.BoolVal(props.Compress),
		BayerOverride: m.bayerOverride(),
	}
	art, err := pipeline.Process(res, m.info, opt)
	if err != nil {
		m.opts.Sink.ReportError(errcode.Of(err), err.Error())
		return
	}
	debug.Info("exposure finished: %d us, artifact %d bytes", res.Meta.ExposureTimeUs, len(art.Data))

	mode := m.reg.StrVal(props.UploadMode)
	if mode == props.UploadLocal || mode == props.UploadBoth {
		dir := m.reg.StrVal(props.UploadDir)
		prefix := m.reg.StrVal(props.UploadPrefix)
		path, err := localFileName(dir, prefix, art.Format, res.Start)
		if err == nil {
			err = os.WriteFile(path, art.Data, 0o644)
		}
		if err != nil {
			m.opts.Sink.ReportError(errcode.PipelineError, fmt.Sprintf("local save: %v", err))
		} else {
			debug.Info("saved %s", path)
		}
	}
	if mode == props.UploadClient || mode == props.UploadBoth {
		m.opts.Sink.DeliverArtifact(art)
	}
}

// localFileName expands the prefix placeholders and returns a path that does
// not collide with an existing file. "XXX" becomes the lowest free 3-digit
// sequence number, "ISO8601" the exposure start timestamp.
func localFileName(dir, prefix, suffix string, start time.Time) (string, error) {
	if strings.Contains(prefix, "ISO8601") {
		prefix = strings.ReplaceAll(prefix, "ISO8601", start.Format("2006-01-02T15-04-05"))
	}
	if !strings.Contains(prefix, "XXX") {
		return filepath.Join(dir, prefix+suffix), nil
	}
	for n := 1; n < 1000; n++ {
		name := strings.ReplaceAll(prefix, "XXX", fmt.Sprintf("%03d", n))
		path := filepath.Join(dir, name+suffix)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free sequence number for %q in %s", prefix, dir)
}
