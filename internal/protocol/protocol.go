// Package protocol defines the contract between the session machine and
// whatever front-end speaks to clients: property publishes, artifact
// delivery and error reporting flow out through a Sink, client actions come
// in as session calls.
package protocol

import (
	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/pipeline"
	"github.com/cjeanneret/IndiGo/internal/props"
)

// Client action verbs, as carried on the wire.
const (
	ActionConnect       = "connect"
	ActionDisconnect    = "disconnect"
	ActionStartExposure = "startExposure"
	ActionAbort         = "abort"
	ActionSetProperty   = "setProperty"
)

// Sink receives everything the driver pushes towards clients. Calls arrive
// from the session's event loop goroutine, one at a time; implementations
// must not block for long.
type Sink interface {
	// PublishProperty announces a property value together with its state.
	PublishProperty(name string, value props.Value, state props.State)

	// DeliverArtifact hands over one finished exposure artifact.
	DeliverArtifact(a *pipeline.Artifact)

	// ReportError announces a failed client action.
	ReportError(code errcode.Code, msg string)
}

// LogSink writes everything to the debug log. Used standalone in headless
// runs and as the tail of a MultiSink otherwise.
type LogSink struct{}

func (LogSink) PublishProperty(name string, value props.Value, state props.State) {
	debug.Live("publish %s = %s (%s)", name, value, state)
}

func (LogSink) DeliverArtifact(a *pipeline.Artifact) {
	debug.Info("artifact %s%s: %d bytes, %dx%d %dbit",
		a.ID, a.Format, len(a.Data), a.Meta.Width, a.Meta.Height, a.Meta.BitDepth)
}

func (LogSink) ReportError(code errcode.Code, msg string) {
	debug.Info("error %s: %s", code, msg)
}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) PublishProperty(name string, value props.Value, state props.State) {
	for _, s := range m {
		s.PublishProperty(name, value, state)
	}
}

func (m MultiSink) DeliverArtifact(a *pipeline.Artifact) {
	for _, s := range m {
		s.DeliverArtifact(a)
	}
}

func (m MultiSink) ReportError(code errcode.Code, msg string) {
	for _, s := range m {
		s.ReportError(code, msg)
	}
}
