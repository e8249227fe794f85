// Package pipeline turns a captured buffer plus its sensor-mode metadata
// into the delivered image artifact: quirk-trimmed raw Bayer, synthesized
// mono, or passed-through RGB, encoded as FITS with the metadata a client
// needs for plate solving.
package pipeline

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/fits"
	"github.com/cjeanneret/IndiGo/internal/hw/camera"
)

// Target selects the delivered artifact kind.
type Target string

const (
	TargetRaw  Target = "raw"
	TargetRGB  Target = "rgb"
	TargetMono Target = "mono"
)

// Options configure one pipeline run.
type Options struct {
	Target    Target
	FrameType string // Light / Bias / Dark / Flat
	Compress  bool

	// BayerOverride forces the reported Bayer order. The rotation-derived
	// order is only the initial lookup; an explicit override always wins.
	BayerOverride string

	Observer string
	Object   string
}

// Meta is the artifact metadata delivered alongside the encoded bytes.
type Meta struct {
	Width    int
	Height   int
	BitDepth int
	Bayer    string // "" for non-Bayer artifacts
	Binning  int    // pixel pitch scale of the artifact vs. the native pitch
	Target   Target

	ExposureTimeUs int64
	Gain           float64
	Start          time.Time
}

// Artifact is the finished product: encoded bytes plus metadata. Format is
// the file suffix (".fits" or ".fits.z").
type Artifact struct {
	ID     string
	Data   []byte
	Format string
	Meta   Meta
}

// Process transforms one capture result. The capture is consumed: callers
// must not reuse res.Pix/res.RGB afterwards.
func Process(res *camera.CaptureResult, info camera.DeviceInfo, opt Options) (*Artifact, error) {
	switch opt.Target {
	case TargetRaw:
		return processRaw(res, info, opt)
	case TargetMono:
		return processMono(res, info, opt)
	case TargetRGB:
		return processRGB(res, info, opt)
	}
	return nil, errcode.Msg(errcode.PipelineError, fmt.Sprintf("unknown target %q", opt.Target))
}

func processRaw(res *camera.CaptureResult, info camera.DeviceInfo, opt Options) (*Artifact, error) {
	if !res.Raw {
		return nil, errcode.Msg(errcode.PipelineError, "raw artifact from a processed capture")
	}
	trimmed, size := trimRaw(res)
	bayer := resolveBayer(res.Mode.BayerOrder(), info.Rotation, opt.BayerOverride)

	img := containerize(trimmed, size, res.Mode.BitDepth)
	meta := Meta{
		Width: size.Width, Height: size.Height,
		BitDepth: res.Mode.BitDepth, Bayer: bayer,
		Binning: res.Mode.Binning, Target: TargetRaw,
		ExposureTimeUs: res.Meta.ExposureTimeUs, Gain: res.Meta.AnalogueGain,
		Start: res.Start,
	}
	cards := commonCards(res, info, meta, opt)
	cards = append(cards,
		fits.Card{Key: "XBAYROFF", Value: 0, Comment: "X offset of Bayer array"},
		fits.Card{Key: "YBAYROFF", Value: 0, Comment: "Y offset of Bayer array"},
		fits.Card{Key: "BAYERPAT", Value: bayer, Comment: "Bayer color pattern"},
	)
	return encode(img, cards, meta, opt)
}

func processMono(res *camera.CaptureResult, info camera.DeviceInfo, opt Options) (*Artifact, error) {
	if res.Raw {
		if !res.Mode.IsBayer() {
			return nil, errcode.Msg(errcode.PipelineError,
				fmt.Sprintf("mono synthesis needs a Bayer source, got %q", res.Mode.Format))
		}
		trimmed, size := trimRaw(res)
		mono, monoSize := synthesizeMono(trimmed, size)
		depth := res.Mode.BitDepth + 2 // sum of 4 same-scale samples

		img := containerize(mono, monoSize, depth)
		meta := Meta{
			Width: monoSize.Width, Height: monoSize.Height,
			BitDepth: depth,
			// each mono sample spans a 2x2 cell of mode pixels
			Binning: res.Mode.Binning * 2, Target: TargetMono,
			ExposureTimeUs: res.Meta.ExposureTimeUs, Gain: res.Meta.AnalogueGain,
			Start: res.Start,
		}
		return encode(img, commonCards(res, info, meta, opt), meta, opt)
	}

	// mono from an RGB-converted frame stays 8-bit
	mono := make([]byte, res.Size.Pixels())
	for i := 0; i < len(mono); i++ {
		r := int(res.RGB[3*i])
		g := int(res.RGB[3*i+1])
		b := int(res.RGB[3*i+2])
		mono[i] = byte((r + g + b) / 3)
	}
	meta := Meta{
		Width: res.Size.Width, Height: res.Size.Height,
		BitDepth: 8, Binning: 1, Target: TargetMono,
		ExposureTimeUs: res.Meta.ExposureTimeUs, Gain: res.Meta.AnalogueGain,
		Start: res.Start,
	}
	img := fits.Image{Width: res.Size.Width, Height: res.Size.Height, BitPix: 8, Pix8: mono}
	return encode(img, commonCards(res, info, meta, opt), meta, opt)
}

func processRGB(res *camera.CaptureResult, info camera.DeviceInfo, opt Options) (*Artifact, error) {
	if res.Raw {
		// demosaicing is the capture stack's job; a raw capture cannot be
		// turned into rgb here
		return nil, errcode.Msg(errcode.PipelineError, "rgb artifact from a raw capture")
	}
	if len(res.RGB) != res.Size.Pixels()*3 {
		return nil, errcode.Msg(errcode.PipelineError,
			fmt.Sprintf("rgb buffer is %d bytes, want %d", len(res.RGB), res.Size.Pixels()*3))
	}
	// plane-outermost layout for the FITS NAXIS3 axis
	n := res.Size.Pixels()
	planar := make([]byte, 3*n)
	for i := 0; i < n; i++ {
		planar[i] = res.RGB[3*i]
		planar[n+i] = res.RGB[3*i+1]
		planar[2*n+i] = res.RGB[3*i+2]
	}
	meta := Meta{
		Width: res.Size.Width, Height: res.Size.Height,
		BitDepth: 8, Binning: 1, Target: TargetRGB,
		ExposureTimeUs: res.Meta.ExposureTimeUs, Gain: res.Meta.AnalogueGain,
		Start: res.Start,
	}
	img := fits.Image{Width: res.Size.Width, Height: res.Size.Height, BitPix: 8, Planes: 3, Pix8: planar}
	return encode(img, commonCards(res, info, meta, opt), meta, opt)
}

// trimRaw strips the declared frame down to the mode's effective size,
// removing the garbage columns/rows some models pad with.
func trimRaw(res *camera.CaptureResult) ([]uint16, camera.Size) {
	eff := res.Mode.EffectiveSize
	if eff.Pixels() == 0 {
		eff = res.Size
	}
	if eff == res.Size && res.Stride == res.Size.Width {
		return res.Pix, res.Size
	}
	out := make([]uint16, eff.Pixels())
	for y := 0; y < eff.Height; y++ {
		copy(out[y*eff.Width:(y+1)*eff.Width], res.Pix[y*res.Stride:y*res.Stride+eff.Width])
	}
	return out, eff
}

// synthesizeMono sums each non-overlapping 2x2 block into one sample. The
// output has half the width and height and carries depth+2 significant
// bits; values stay at native scale.
func synthesizeMono(pix []uint16, size camera.Size) ([]uint16, camera.Size) {
	out := camera.Size{Width: size.Width / 2, Height: size.Height / 2}
	mono := make([]uint16, out.Pixels())
	for y := 0; y < out.Height; y++ {
		top := 2 * y * size.Width
		bot := top + size.Width
		for x := 0; x < out.Width; x++ {
			sum := uint32(pix[top+2*x]) + uint32(pix[top+2*x+1]) +
				uint32(pix[bot+2*x]) + uint32(pix[bot+2*x+1])
			mono[y*out.Width+x] = uint16(sum)
		}
	}
	return mono, out
}

// resolveBayer derives the delivered Bayer order. The sensor rotation
// determines the initial lookup (the mosaic is read out rotated); an
// explicit override always wins and is never recomputed.
func resolveBayer(order string, rotation int, override string) string {
	if override != "" {
		return override
	}
	if len(order) != 4 {
		return order
	}
	switch rotation {
	case 180:
		return string([]byte{order[3], order[2], order[1], order[0]})
	case 90:
		return string([]byte{order[1], order[3], order[0], order[2]})
	case 270, -90:
		return string([]byte{order[2], order[0], order[3], order[1]})
	default:
		return order
	}
}

// containerize lifts native-scale samples into an 8- or 16-bit FITS
// container, left-shifted so the significant bits sit at the top.
func containerize(pix []uint16, size camera.Size, depth int) fits.Image {
	if depth > 8 {
		shift := uint(16 - depth)
		out := make([]uint16, len(pix))
		for i, v := range pix {
			out[i] = v << shift
		}
		return fits.Image{Width: size.Width, Height: size.Height, BitPix: 16, Pix16: out}
	}
	shift := uint(8 - depth)
	out := make([]byte, len(pix))
	for i, v := range pix {
		out[i] = byte(v) << shift
	}
	return fits.Image{Width: size.Width, Height: size.Height, BitPix: 8, Pix8: out}
}

func commonCards(res *camera.CaptureResult, info camera.DeviceInfo, meta Meta, opt Options) []fits.Card {
	observer := opt.Observer
	if observer == "" {
		observer = "Unknown"
	}
	object := opt.Object
	if object == "" {
		object = "Unknown"
	}
	frameType := opt.FrameType
	if frameType == "" {
		frameType = "Light"
	}
	pixX := float64(info.UnitCellSizeNm.Width) / 1e3
	pixY := float64(info.UnitCellSizeNm.Height) / 1e3
	cards := []fits.Card{
		{Key: "ROWORDER", Value: "TOP-DOWN", Comment: "Row order"},
		{Key: "INSTRUME", Value: info.Model, Comment: "CCD Name"},
		{Key: "OBSERVER", Value: observer, Comment: "Observer name"},
		{Key: "OBJECT", Value: object, Comment: "Object name"},
		{Key: "EXPTIME", Value: float64(meta.ExposureTimeUs) / 1e6, Comment: "Total Exposure Time (s)"},
		{Key: "PIXSIZE1", Value: pixX, Comment: "Pixel Size 1 (microns)"},
		{Key: "PIXSIZE2", Value: pixY, Comment: "Pixel Size 2 (microns)"},
		{Key: "XBINNING", Value: meta.Binning, Comment: "Binning factor in width"},
		{Key: "YBINNING", Value: meta.Binning, Comment: "Binning factor in height"},
		{Key: "XPIXSZ", Value: pixX * float64(meta.Binning), Comment: "X binned pixel size in microns"},
		{Key: "YPIXSZ", Value: pixY * float64(meta.Binning), Comment: "Y binned pixel size in microns"},
		{Key: "FRAME", Value: frameType, Comment: "Frame Type"},
		{Key: "IMAGETYP", Value: frameType + " Frame", Comment: "Frame Type"},
		{Key: "GAIN", Value: meta.Gain, Comment: "Gain"},
		{Key: "DATE-OBS", Value: res.Start.UTC().Format("2006-01-02T15:04:05.000"), Comment: "UTC start date of observation"},
	}
	if res.Meta.HasSensorTemp {
		cards = append(cards, fits.Card{Key: "CCD-TEMP", Value: res.Meta.SensorTempC, Comment: "CCD Temperature (Celsius)"})
	}
	return cards
}

func encode(img fits.Image, cards []fits.Card, meta Meta, opt Options) (*Artifact, error) {
	data, err := fits.Encode(img, cards)
	if err != nil {
		return nil, errcode.Wrap(errcode.PipelineError, "fits encode", err)
	}
	format := ".fits"
	if opt.Compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, errcode.Wrap(errcode.PipelineError, "compress", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errcode.Wrap(errcode.PipelineError, "compress", err)
		}
		data = buf.Bytes()
		format = ".fits.z"
	}
	return &Artifact{
		ID:     uuid.NewString(),
		Data:   data,
		Format: format,
		Meta:   meta,
	}, nil
}
