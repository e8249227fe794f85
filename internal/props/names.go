package props

// Property names. The session defines the camera-specific set at connect
// time and removes it again on disconnect; the general set lives for the
// whole process.
const (
	// general
	CameraSelect = "CameraSelect"
	SessionState = "SessionState"

	// camera info (read-only)
	CameraModel    = "CameraModel"
	PixelArraySize = "PixelArraySize"
	UnitCellSize   = "UnitCellSize"
	SensorTemp     = "SensorTemp"

	// exposure controls
	ExposureTime = "ExposureTime" // microseconds
	Gain         = "Gain"
	GainAuto     = "GainAuto"

	// frame configuration (reconfigure-flagged)
	FrameFormat = "FrameFormat" // raw / rgb / mono
	RawMode     = "RawMode"     // selected sensor mode label
	ProcWidth   = "ProcWidth"
	ProcHeight  = "ProcHeight"

	// derived (read-only); the frame window reflects the configured mode
	FrameLeft   = "FrameLeft"
	FrameTop    = "FrameTop"
	FrameWidth  = "FrameWidth"
	FrameHeight = "FrameHeight"
	Binning     = "Binning"
	BitDepth    = "BitDepth"

	// artifact options
	FrameType    = "FrameType"
	UploadMode   = "UploadMode"
	UploadDir    = "UploadDir"
	UploadPrefix = "UploadPrefix"
	Compress     = "Compress"

	// exposure progress (read-only, volatile)
	ExposureLeft = "ExposureLeft" // remaining seconds while exposing
)

// Frame format choices.
const (
	FormatRaw  = "raw"
	FormatRGB  = "rgb"
	FormatMono = "mono"
)

// Frame type choices (FITS FRAME keyword values).
var FrameTypes = []string{"Light", "Bias", "Dark", "Flat"}

// Upload mode choices.
const (
	UploadClient = "client"
	UploadLocal  = "local"
	UploadBoth   = "both"
)

var UploadModes = []string{UploadClient, UploadLocal, UploadBoth}

var FrameFormats = []string{FormatRaw, FormatRGB, FormatMono}
