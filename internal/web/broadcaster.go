package web

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/pipeline"
	"github.com/cjeanneret/IndiGo/internal/props"
)

// Event is one message on the websocket stream.
type Event struct {
	Type    string      `json:"type"` // property / artifact / error
	Name    string      `json:"name,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	State   string      `json:"state,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`

	Artifact *ArtifactInfo `json:"artifact,omitempty"`
}

// ArtifactInfo is the artifact announcement; the bytes themselves are
// served separately so slow viewers never stall the session.
type ArtifactInfo struct {
	ID       string `json:"id"`
	Format   string `json:"format"`
	Size     int    `json:"size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	BitDepth int    `json:"bitDepth"`
	Bayer    string `json:"bayer,omitempty"`
}

// Broadcaster fans session events out to all connected websocket clients
// and keeps the latest artifact for retrieval. It implements protocol.Sink.
type Broadcaster struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
	latest *pipeline.Artifact
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: map[*websocket.Conn]bool{}}
}

func (b *Broadcaster) add(conn *websocket.Conn) {
	b.mu.Lock()
	b.conns[conn] = true
	n := len(b.conns)
	b.mu.Unlock()
	debug.Live("websocket client connected (%d total)", n)
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	conn.Close()
}

func (b *Broadcaster) send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		if err := conn.WriteJSON(ev); err != nil {
			// a dead client must not poison the rest
			delete(b.conns, conn)
			conn.Close()
		}
	}
}

// Latest returns the most recent artifact, nil if none yet.
func (b *Broadcaster) Latest() *pipeline.Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *Broadcaster) PublishProperty(name string, value props.Value, state props.State) {
	b.send(Event{Type: "property", Name: name, Value: value.Interface(), State: string(state)})
}

func (b *Broadcaster) DeliverArtifact(a *pipeline.Artifact) {
	b.mu.Lock()
	b.latest = a
	b.mu.Unlock()
	b.send(Event{Type: "artifact", Artifact: &ArtifactInfo{
		ID:       a.ID,
		Format:   a.Format,
		Size:     len(a.Data),
		Width:    a.Meta.Width,
		Height:   a.Meta.Height,
		BitDepth: a.Meta.BitDepth,
		Bayer:    a.Meta.Bayer,
	}})
}

func (b *Broadcaster) ReportError(code errcode.Code, msg string) {
	b.send(Event{Type: "error", Code: string(code), Message: msg})
}

// Write implements io.Writer so the debug logger can tee its lines into the
// event stream (debug.SetOutput with a MultiWriter).
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.send(Event{Type: "log", Message: strings.TrimRight(string(p), "\n")})
	return len(p), nil
}
