// Package session drives the exposure lifecycle. A single event-loop
// goroutine owns all mutable session state; client calls and hardware
// completions arrive as events on channels, so no lock covers the state
// machine itself. Blocking hardware work runs on a dedicated worker
// goroutine and reports back with a correlation id, which is how a late
// frame from an aborted exposure gets recognized and dropped.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/hw/camera"
	"github.com/cjeanneret/IndiGo/internal/persist"
	"github.com/cjeanneret/IndiGo/internal/pipeline"
	"github.com/cjeanneret/IndiGo/internal/props"
	"github.com/cjeanneret/IndiGo/internal/protocol"
	"github.com/cjeanneret/IndiGo/internal/quirk"
)

// Phase is the session lifecycle state.
type Phase int

const (
	Disconnected Phase = iota
	Idle
	Configuring
	Exposing
	Downloading
	Aborting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Exposing:
		return "Exposing"
	case Downloading:
		return "Downloading"
	case Aborting:
		return "Aborting"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Options wire a Machine to its collaborators.
type Options struct {
	Stack    camera.Stack
	Quirks   *quirk.Table
	Registry *props.Registry
	Sink     protocol.Sink

	Restart         quirk.RestartPolicy
	ForceBayerOrder string // overrides both rotation and quirk table
	IgnoreRawModes  bool
	DefaultCamera   string
	SnapshotDir     string // "" disables property persistence

	UploadMode   string
	UploadDir    string
	UploadPrefix string
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdExpose
	cmdAbort
)

type command struct {
	kind  cmdKind
	arg   string
	reply chan error
}

const (
	evExposing = "exposing"
	evDone     = "done"
)

type jobEvent struct {
	id   string
	kind string
	res  *camera.CaptureResult
	err  error
}

// Machine is the session state machine. Construct with New, then call Run
// on its own goroutine; all other methods are safe from any goroutine.
type Machine struct {
	opts Options
	reg  *props.Registry
	wk   *worker

	cmds     chan command
	events   chan jobEvent
	loopDone chan struct{} // closed when Run returns

	phaseMu sync.Mutex
	phase   Phase

	// loop-owned state below, never touched outside Run
	runCtx    context.Context
	dev       camera.Device
	devID     string
	info      camera.DeviceInfo
	modes     []camera.SensorMode
	stream    camera.StreamConfig
	target    pipeline.Target
	streamSet bool

	pendingStream camera.StreamConfig
	pendingTarget pipeline.Target
	pendingSet    bool

	activeJob string
	discard   bool
	cancelJob context.CancelFunc
	expStart  time.Time
	expDur    time.Duration
}

func New(opts Options) *Machine {
	if opts.Quirks == nil {
		opts.Quirks = quirk.DefaultTable()
	}
	if opts.Registry == nil {
		opts.Registry = props.NewRegistry()
	}
	if opts.Sink == nil {
		opts.Sink = protocol.LogSink{}
	}
	m := &Machine{
		opts:     opts,
		reg:      opts.Registry,
		wk:       newWorker(4),
		cmds:     make(chan command),
		events:   make(chan jobEvent, 8),
		loopDone: make(chan struct{}),
		phase:    Disconnected,
	}
	m.reg.OnChange(func(ch props.Change) {
		m.opts.Sink.PublishProperty(ch.Name, ch.Value, ch.State)
	})
	m.defineGeneralProps()
	return m
}

// Registry exposes the property registry for front-ends.
func (m *Machine) Registry() *props.Registry { return m.reg }

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.phaseMu.Lock()
	defer m.phaseMu.Unlock()
	return m.phase
}

func (m *Machine) setPhase(p Phase) {
	m.phaseMu.Lock()
	old := m.phase
	m.phase = p
	m.phaseMu.Unlock()
	if old == p {
		return
	}
	debug.State(old.String(), p.String())
	state := props.StateOK
	switch p {
	case Configuring, Exposing, Downloading, Aborting:
		state = props.StateBusy
	case Disconnected:
		state = props.StateIdle
	}
	m.reg.Update(props.SessionState, props.Str(p.String()), state)
}

// Connect opens a camera and brings the session to Idle. An empty id means
// the configured default, then the CameraSelect property, then the first
// attached camera.
func (m *Machine) Connect(id string) error { return m.do(command{kind: cmdConnect, arg: id}) }

// Disconnect aborts any running exposure, persists properties and closes
// the device. Disconnecting a disconnected session is a no-op.
func (m *Machine) Disconnect() error { return m.do(command{kind: cmdDisconnect}) }

// StartExposure begins one exposure using the current property values. It
// returns once the exposure is accepted; completion is announced through
// the Sink. Rejected with Busy unless the session is Idle.
func (m *Machine) StartExposure() error { return m.do(command{kind: cmdExpose}) }

// Abort cancels the exposure in flight. The session is Idle again by the
// time Abort returns; a frame the hardware delivers afterwards is dropped.
func (m *Machine) Abort() error { return m.do(command{kind: cmdAbort}) }

// SetProperty is the client write path. Writes to reconfigure-flagged
// properties during an exposure take effect on the next exposure.
func (m *Machine) SetProperty(name string, v props.Value) error {
	err := m.reg.Set(name, v)
	if err != nil {
		m.opts.Sink.ReportError(errcode.Of(err), err.Error())
	}
	return err
}

func (m *Machine) do(c command) error {
	c.reply = make(chan error, 1)
	select {
	case m.cmds <- c:
	case <-m.loopDone:
		return errcode.Msg(errcode.NotConnected, "session stopped")
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.loopDone:
		return errcode.Msg(errcode.NotConnected, "session stopped")
	}
}

// Run executes the event loop until ctx is cancelled. It owns every field
// below the loop-owned marker; nothing else may touch them.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.loopDone)
	m.runCtx = ctx
	go m.wk.Run(ctx)

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return ctx.Err()
		case c := <-m.cmds:
			c.reply <- m.dispatch(c)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-tick.C:
			m.tickCountdown()
		}
	}
}

func (m *Machine) dispatch(c command) error {
	switch c.kind {
	case cmdConnect:
		return m.handleConnect(c.arg)
	case cmdDisconnect:
		return m.handleDisconnect()
	case cmdExpose:
		return m.handleExpose()
	case cmdAbort:
		return m.handleAbort()
	}
	return errcode.Msg(errcode.Error, "unknown command")
}

func (m *Machine) handleConnect(id string) error {
	if m.phase != Disconnected {
		if id == "" || id == m.devID {
			return nil // already connected to the requested camera
		}
		return errcode.Msg(errcode.Busy, "already connected to "+m.devID)
	}
	if id == "" {
		id = m.opts.DefaultCamera
	}
	if id == "" {
		id = m.reg.StrVal(props.CameraSelect)
	}
	if id == "" {
		cams := m.opts.Stack.Cameras()
		if len(cams) == 0 {
			return errcode.Msg(errcode.DeviceUnavailable, "no camera attached")
		}
		id = cams[0]
	}
	dev, err := m.opts.Stack.Open(id)
	if err != nil {
		return errcode.Wrap(errcode.DeviceUnavailable, "open "+id, err)
	}
	info := m.opts.Quirks.ApplyInfo(dev.Info())

	reported := dev.Modes()
	modes := make([]camera.SensorMode, 0, len(reported))
	for _, mo := range reported {
		if mo.Packed {
			continue
		}
		modes = append(modes, m.opts.Quirks.Apply(info.Model, mo))
	}
	if len(reported) > 0 && len(modes) == 0 {
		dev.Close()
		return errcode.Msg(errcode.DeviceIncompatible,
			fmt.Sprintf("%s offers no usable sensor mode", info.Model))
	}
	if m.opts.IgnoreRawModes {
		modes = nil
	}

	m.dev, m.devID, m.info, m.modes = dev, id, info, modes
	m.streamSet = false
	m.defineCameraProps()
	if m.opts.SnapshotDir != "" {
		if err := persist.Load(m.opts.SnapshotDir, info.Model, m.reg); err != nil {
			debug.Error(err)
		}
	}
	m.setPhase(Idle)

	debug.Summary("Connected " + info.Model)
	debug.Value("camera", id)
	debug.Value("pixel array", info.PixelArraySize)
	debug.Value("raw modes", len(modes))
	for _, p := range m.reg.List() {
		m.opts.Sink.PublishProperty(p.Name, p.Value, props.StateIdle)
	}
	return nil
}

func (m *Machine) handleDisconnect() error {
	if m.phase == Disconnected {
		return nil
	}
	if m.activeJob != "" {
		m.discard = true
		m.cancelJob()
	}
	m.dropDevice()
	return nil
}

// dropDevice releases the device and returns the session to Disconnected:
// the orderly disconnect path, and the forced one when the hardware
// reports the device itself is gone.
func (m *Machine) dropDevice() {
	if m.opts.SnapshotDir != "" {
		if err := persist.Save(m.opts.SnapshotDir, m.info.Model, m.reg); err != nil {
			debug.Error(err)
		}
	}
	if m.dev != nil {
		if err := m.dev.Close(); err != nil {
			debug.Error(err)
		}
	}
	m.removeCameraProps()
	m.dev, m.devID, m.modes = nil, "", nil
	m.streamSet, m.pendingSet = false, false
	m.setPhase(Disconnected)
}

func (m *Machine) handleExpose() error {
	switch m.phase {
	case Disconnected:
		return errcode.Msg(errcode.NotConnected, "not connected")
	case Idle:
	default:
		return errcode.Msg(errcode.Busy, "exposure in progress")
	}

	needCfg := !m.streamSet || m.reg.Dirty()
	cfg, target := m.stream, m.target
	if needCfg {
		var err error
		cfg, target, err = m.buildStream()
		if err != nil {
			m.opts.Sink.ReportError(errcode.Of(err), err.Error())
			return err
		}
		// the dirty latch is consumed here, so writes landing during the
		// exposure re-arm it for the next one
		m.reg.ClearDirty()
	}
	params := m.captureParams(cfg)
	restart := m.opts.Quirks.NeedsRestart(m.info.Model, m.opts.Restart)

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(m.runCtx)
	dev := m.dev
	j := job{id: id, run: func() {
		if restart {
			debug.Capture("restart", params.DurationUs)
			if err := dev.Restart(); err != nil {
				// keep the adapter's own code: a vanished device must not
				// be reported as a mere capture failure
				m.post(jobEvent{id: id, kind: evDone, err: err})
				return
			}
		}
		if needCfg {
			if err := dev.Configure(cfg); err != nil {
				m.post(jobEvent{id: id, kind: evDone, err: err})
				return
			}
		}
		m.post(jobEvent{id: id, kind: evExposing})
		res, err := dev.Capture(jobCtx, params)
		m.post(jobEvent{id: id, kind: evDone, res: res, err: err})
	}}
	if !m.wk.submit(j) {
		cancel()
		return errcode.Msg(errcode.Busy, "hardware worker saturated")
	}

	m.activeJob, m.discard, m.cancelJob = id, false, cancel
	m.expDur = time.Duration(params.DurationUs) * time.Microsecond
	m.pendingStream, m.pendingTarget, m.pendingSet = cfg, target, needCfg
	if needCfg {
		m.setPhase(Configuring)
	} else {
		m.setPhase(Exposing)
		m.expStart = time.Now()
	}
	debug.Capture("accepted", params.DurationUs)
	return nil
}

func (m *Machine) handleAbort() error {
	switch m.phase {
	case Disconnected:
		return errcode.Msg(errcode.NotConnected, "not connected")
	case Idle:
		return nil
	}
	if m.activeJob != "" {
		m.discard = true
		m.cancelJob()
	}
	m.setPhase(Aborting)
	m.reg.Update(props.ExposureLeft, props.Num(0), props.StateIdle)
	// the worker will finish on its own time; the session does not wait
	m.setPhase(Idle)
	return nil
}

func (m *Machine) post(ev jobEvent) {
	select {
	case m.events <- ev:
	case <-m.runCtx.Done():
	}
}

func (m *Machine) handleEvent(ev jobEvent) {
	if ev.id != m.activeJob {
		debug.Trace("dropping event %s for stale job %s", ev.kind, ev.id)
		return
	}
	switch ev.kind {
	case evExposing:
		if m.discard {
			return
		}
		if m.pendingSet {
			m.stream, m.target, m.streamSet = m.pendingStream, m.pendingTarget, true
			m.pendingSet = false
		} else {
			m.target = m.pendingTarget
		}
		m.expStart = time.Now()
		m.setPhase(Exposing)
	case evDone:
		m.finishJob(ev)
	}
}

func (m *Machine) finishJob(ev jobEvent) {
	m.activeJob = ""
	if m.cancelJob != nil {
		m.cancelJob()
		m.cancelJob = nil
	}
	if m.discard {
		m.discard = false
		debug.Live("dropped completion of aborted exposure")
		if m.phase != Idle && m.phase != Disconnected {
			m.setPhase(Idle)
		}
		return
	}
	if ev.err != nil {
		code := errcode.Of(ev.err)
		if code == errcode.Error {
			code = errcode.CaptureFailed
		}
		m.opts.Sink.ReportError(code, ev.err.Error())
		m.reg.Update(props.ExposureLeft, props.Num(0), props.StateAlert)
		if code == errcode.DeviceUnavailable {
			// the device itself is gone; pretending to be Idle would just
			// fail every following exposure
			m.dropDevice()
			return
		}
		m.setPhase(Idle)
		return
	}
	m.setPhase(Downloading)
	m.reg.Update(props.ExposureLeft, props.Num(0), props.StateIdle)
	if ev.res.Meta.HasSensorTemp {
		m.reg.Update(props.SensorTemp, props.Num(ev.res.Meta.SensorTempC), props.StateOK)
	}
	m.deliver(ev.res)
	m.setPhase(Idle)
}

func (m *Machine) tickCountdown() {
	if m.Phase() != Exposing {
		return
	}
	left := m.expDur - time.Since(m.expStart)
	if left < 0 {
		left = 0
	}
	m.reg.Update(props.ExposureLeft, props.Num(left.Seconds()), props.StateBusy)
}

func (m *Machine) teardown() {
	if m.dev == nil {
		return
	}
	if m.activeJob != "" && m.cancelJob != nil {
		m.cancelJob()
	}
	m.dropDevice()
}
