package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/hw/camera"
	"github.com/cjeanneret/IndiGo/internal/pipeline"
	"github.com/cjeanneret/IndiGo/internal/props"
	"github.com/cjeanneret/IndiGo/internal/quirk"
)

// recordSink captures everything the machine pushes out.
type recordSink struct {
	mu        sync.Mutex
	published map[string]props.Value
	artifacts chan *pipeline.Artifact
	errors    chan errcode.Code
}

func newRecordSink() *recordSink {
	return &recordSink{
		published: map[string]props.Value{},
		artifacts: make(chan *pipeline.Artifact, 4),
		errors:    make(chan errcode.Code, 4),
	}
}

func (s *recordSink) PublishProperty(name string, v props.Value, state props.State) {
	s.mu.Lock()
	s.published[name] = v
	s.mu.Unlock()
}

func (s *recordSink) DeliverArtifact(a *pipeline.Artifact) { s.artifacts <- a }

func (s *recordSink) ReportError(code errcode.Code, msg string) { s.errors <- code }

func testProfile() camera.Profile {
	return camera.Profile{
		Info: camera.DeviceInfo{
			Model:          "testcam",
			PixelArraySize: camera.Size{Width: 64, Height: 48},
			UnitCellSizeNm: camera.Size{Width: 1550, Height: 1550},
		},
		Modes: []camera.SensorMode{
			{
				Format: "SRGGB12", BitDepth: 12,
				Size:          camera.Size{Width: 64, Height: 48},
				EffectiveSize: camera.Size{Width: 64, Height: 48},
				Binning:       1,
				ExposureMin:   1, ExposureMax: 60_000_000_000,
			},
		},
	}
}

type fixture struct {
	m    *Machine
	sink *recordSink
	dev  *camera.SimDevice
	stop context.CancelFunc
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dev := camera.NewSimDevice(testProfile())
	stack := camera.NewSimStack()
	stack.Add("t0", dev)
	sink := newRecordSink()

	opts.Stack = stack
	opts.Sink = sink
	opts.DefaultCamera = "t0"
	m := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{m: m, sink: sink, dev: dev, stop: cancel}
}

func waitPhase(t *testing.T, m *Machine, want Phase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Phase() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", m.Phase(), want)
}

func setNum(t *testing.T, m *Machine, name string, v float64) {
	t.Helper()
	if err := m.SetProperty(name, props.Num(v)); err != nil {
		t.Fatalf("set %s = %g: %v", name, v, err)
	}
}

func TestConnectDefinesCameraProps(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	if f.m.Phase() != Idle {
		t.Fatalf("phase = %s, want Idle", f.m.Phase())
	}
	reg := f.m.Registry()
	if got := reg.StrVal(props.CameraModel); got != "testcam" {
		t.Fatalf("CameraModel = %q", got)
	}
	if !reg.Has(props.ExposureTime) || !reg.Has(props.RawMode) {
		t.Fatal("camera property set incomplete after connect")
	}
	// idempotent
	if err := f.m.Connect(""); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func TestDisconnectRemovesCameraProps(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if f.m.Phase() != Disconnected {
		t.Fatalf("phase = %s", f.m.Phase())
	}
	if f.m.Registry().Has(props.CameraModel) {
		t.Fatal("camera properties survive disconnect")
	}
	if !f.m.Registry().Has(props.CameraSelect) {
		t.Fatal("general properties must survive disconnect")
	}
	if err := f.m.Disconnect(); err != nil {
		t.Fatalf("disconnect while disconnected: %v", err)
	}
}

func TestConnectNoCameraAttached(t *testing.T) {
	sink := newRecordSink()
	m := New(Options{Stack: emptyStack{}, Sink: sink})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	err := m.Connect("")
	if errcode.Of(err) != errcode.DeviceUnavailable {
		t.Fatalf("err = %v, want device_unavailable", err)
	}
}

type emptyStack struct{}

func (emptyStack) Cameras() []string { return nil }
func (emptyStack) Open(id string) (camera.Device, error) {
	return nil, errcode.Msg(errcode.DeviceUnavailable, "no camera")
}

func TestExposureDeliversArtifact(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 2000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	select {
	case a := <-f.sink.artifacts:
		if a.Meta.Target != pipeline.TargetRaw {
			t.Fatalf("target = %s, want raw", a.Meta.Target)
		}
		if a.Meta.Width != 64 || a.Meta.Height != 48 || a.Meta.BitDepth != 12 {
			t.Fatalf("meta = %+v", a.Meta)
		}
		if !strings.HasSuffix(a.Format, ".fits") {
			t.Fatalf("format = %s", a.Format)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no artifact delivered")
	}
	waitPhase(t, f.m, Idle)
}

func TestExposureRejectedWhileBusy(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 500_000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	err := f.m.StartExposure()
	if errcode.Of(err) != errcode.Busy {
		t.Fatalf("second exposure: %v, want busy", err)
	}
	if err := f.m.Abort(); err != nil {
		t.Fatal(err)
	}
}

func TestExposureWhileDisconnected(t *testing.T) {
	f := newFixture(t, Options{})
	if errcode.Of(f.m.StartExposure()) != errcode.NotConnected {
		t.Fatal("exposure accepted while disconnected")
	}
	if errcode.Of(f.m.Abort()) != errcode.NotConnected {
		t.Fatal("abort accepted while disconnected")
	}
}

func TestAbortReturnsToIdlePromptly(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 30_000_000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, f.m, Exposing)

	begin := time.Now()
	if err := f.m.Abort(); err != nil {
		t.Fatal(err)
	}
	if f.m.Phase() != Idle {
		t.Fatalf("phase after abort = %s, want Idle", f.m.Phase())
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("abort took %s", elapsed)
	}
	// the cancelled frame must never surface
	select {
	case <-f.sink.artifacts:
		t.Fatal("aborted exposure delivered an artifact")
	case <-time.After(300 * time.Millisecond):
	}
	// abort with nothing running is a no-op
	if err := f.m.Abort(); err != nil {
		t.Fatal(err)
	}
}

func TestExposureAfterAbortSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 30_000_000)
	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, f.m, Exposing)
	if err := f.m.Abort(); err != nil {
		t.Fatal(err)
	}

	setNum(t, f.m, props.ExposureTime, 2000)
	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.sink.artifacts:
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up exposure after abort never finished")
	}
}

func TestDeferredReconfiguration(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 200_000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, f.m, Exposing)
	// land a reconfigure-flagged write mid-exposure; it must not disturb
	// the running capture and must apply to the next one
	if err := f.m.SetProperty(props.FrameFormat, props.Choice(props.FormatRGB)); err != nil {
		t.Fatal(err)
	}

	first := <-f.sink.artifacts
	if first.Meta.Target != pipeline.TargetRaw {
		t.Fatalf("first artifact target = %s, want raw", first.Meta.Target)
	}
	waitPhase(t, f.m, Idle)

	setNum(t, f.m, props.ExposureTime, 2000)
	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	second := <-f.sink.artifacts
	if second.Meta.Target != pipeline.TargetRGB {
		t.Fatalf("second artifact target = %s, want rgb", second.Meta.Target)
	}
	if second.Meta.BitDepth != 8 {
		t.Fatalf("rgb bit depth = %d", second.Meta.BitDepth)
	}
}

func TestRestartPolicyAlways(t *testing.T) {
	f := newFixture(t, Options{Restart: quirk.RestartAlways})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 2000)
	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	<-f.sink.artifacts
	if got := f.dev.Restarts(); got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
}

func TestCaptureFailureReportsAndIdles(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	f.dev.FailCapture = "sensor timeout"
	setNum(t, f.m, props.ExposureTime, 2000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-f.sink.errors:
		if code != errcode.CaptureFailed {
			t.Fatalf("code = %s, want capture_failed", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("failure never reported")
	}
	waitPhase(t, f.m, Idle)
}

func TestDeviceLossForcesDisconnected(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	// the camera vanishes under a connected session
	f.dev.Close()
	setNum(t, f.m, props.ExposureTime, 2000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-f.sink.errors:
		if code != errcode.DeviceUnavailable {
			t.Fatalf("code = %s, want device_unavailable", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("device loss never reported")
	}
	waitPhase(t, f.m, Disconnected)
	if f.m.Registry().Has(props.CameraModel) {
		t.Fatal("camera properties survive device loss")
	}
	// a later exposure is rejected as not connected, not retried forever
	if errcode.Of(f.m.StartExposure()) != errcode.NotConnected {
		t.Fatal("exposure accepted against a lost device")
	}
}

func TestFrameWindowReflectsConfiguredMode(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	reg := f.m.Registry()
	// reported, never requested
	if errcode.Of(reg.Set(props.FrameWidth, props.Num(16))) != errcode.NotWritable {
		t.Fatal("frame window accepted a client write")
	}

	setNum(t, f.m, props.ExposureTime, 2000)
	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	a := <-f.sink.artifacts
	waitPhase(t, f.m, Idle)
	if reg.NumVal(props.FrameWidth) != 64 || reg.NumVal(props.FrameHeight) != 48 {
		t.Fatalf("frame window = %gx%g, want 64x48",
			reg.NumVal(props.FrameWidth), reg.NumVal(props.FrameHeight))
	}
	if reg.NumVal(props.FrameLeft) != 0 || reg.NumVal(props.FrameTop) != 0 {
		t.Fatal("frame origin not zero")
	}
	if a.Meta.Width != 64 || a.Meta.Height != 48 {
		t.Fatalf("artifact = %dx%d", a.Meta.Width, a.Meta.Height)
	}
}

func TestCommandsAfterShutdownDoNotHang(t *testing.T) {
	stack := camera.NewSimStack()
	stack.Add("t0", camera.NewSimDevice(testProfile()))
	m := New(Options{Stack: stack, Sink: newRecordSink(), DefaultCamera: "t0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect("") }()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("connect succeeded after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("command blocked forever after shutdown")
	}
}

func TestConfigureRejectionSurfaces(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	f.dev.RejectConfigure = "mode not supported"
	setNum(t, f.m, props.ExposureTime, 2000)

	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-f.sink.errors:
		if code != errcode.ConfigurationRejected {
			t.Fatalf("code = %s, want configuration_rejected", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rejection never reported")
	}
	waitPhase(t, f.m, Idle)
}

func TestSensorTempUpdatedAfterCapture(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Connect(""); err != nil {
		t.Fatal(err)
	}
	setNum(t, f.m, props.ExposureTime, 2000)
	if err := f.m.StartExposure(); err != nil {
		t.Fatal(err)
	}
	<-f.sink.artifacts
	waitPhase(t, f.m, Idle)
	if got := f.m.Registry().NumVal(props.SensorTemp); got != 22.5 {
		t.Fatalf("SensorTemp = %g, want 22.5", got)
	}
}

func TestLocalFileName(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 8, 25, 21, 30, 0, 0, time.UTC)

	p1, err := localFileName(dir, "IMG_XXX", ".fits", start)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(p1, "IMG_001.fits") {
		t.Fatalf("first name = %s", p1)
	}
	if err := os.WriteFile(p1, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p2, err := localFileName(dir, "IMG_XXX", ".fits", start)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(p2, "IMG_002.fits") {
		t.Fatalf("second name = %s", p2)
	}

	p3, err := localFileName(dir, "cap_ISO8601", ".fits", start)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p3, "2026-08-25T21-30-00") {
		t.Fatalf("timestamp name = %s", p3)
	}
}
