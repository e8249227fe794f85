// Package web is the monitoring and control front-end: a small JSON API
// plus a websocket event stream fed by the session's sink.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
	"github.com/cjeanneret/IndiGo/internal/props"
	"github.com/cjeanneret/IndiGo/internal/protocol"
	"github.com/cjeanneret/IndiGo/internal/session"
)

// Server exposes the driver over HTTP.
type Server struct {
	addr     string
	machine  *session.Machine
	bc       *Broadcaster
	upgrader websocket.Upgrader
}

func NewServer(addr string, m *session.Machine, bc *Broadcaster) *Server {
	return &Server{
		addr:    addr,
		machine: m,
		bc:      bc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the driver runs on a trusted LAN segment
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/props", s.handleProps)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/action", s.handleAction)
	mux.HandleFunc("/artifact", s.handleArtifact)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.routes()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type propView struct {
	Name     string      `json:"name"`
	Label    string      `json:"label"`
	Kind     string      `json:"kind"`
	Value    interface{} `json:"value"`
	Min      float64     `json:"min,omitempty"`
	Max      float64     `json:"max,omitempty"`
	Choices  []string    `json:"choices,omitempty"`
	ReadOnly bool        `json:"readOnly,omitempty"`
}

func (s *Server) handleProps(w http.ResponseWriter, r *http.Request) {
	reg := s.machine.Registry()
	switch r.Method {
	case http.MethodGet:
		list := reg.List()
		out := make([]propView, 0, len(list))
		for _, p := range list {
			out = append(out, propView{
				Name:     p.Name,
				Label:    p.Label,
				Kind:     p.Kind.String(),
				Value:    p.Value.Interface(),
				Min:      p.Min,
				Max:      p.Max,
				Choices:  p.Choices,
				ReadOnly: p.ReadOnly,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"phase": s.machine.Phase().String(),
			"props": out,
		})
	case http.MethodPost:
		var req struct {
			Name  string      `json:"name"`
			Value interface{} `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errcode.ValidationError, err.Error())
			return
		}
		kind, ok := reg.Kind(req.Name)
		if !ok {
			writeError(w, http.StatusNotFound, errcode.ValidationError, "unknown property "+req.Name)
			return
		}
		v, err := props.ParseValue(kind, req.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, errcode.ValidationError, err.Error())
			return
		}
		if err := s.machine.SetProperty(req.Name, v); err != nil {
			writeError(w, statusFor(errcode.Of(err)), errcode.Of(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": s.machine.Phase().String()})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Action string `json:"action"`
		Camera string `json:"camera,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errcode.ValidationError, err.Error())
		return
	}
	var err error
	switch req.Action {
	case protocol.ActionConnect:
		err = s.machine.Connect(req.Camera)
	case protocol.ActionDisconnect:
		err = s.machine.Disconnect()
	case protocol.ActionStartExposure:
		err = s.machine.StartExposure()
	case protocol.ActionAbort:
		err = s.machine.Abort()
	default:
		writeError(w, http.StatusBadRequest, errcode.ValidationError, "unknown action "+req.Action)
		return
	}
	if err != nil {
		writeError(w, statusFor(errcode.Of(err)), errcode.Of(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "phase": s.machine.Phase().String()})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a := s.bc.Latest()
	if a == nil {
		writeError(w, http.StatusNotFound, errcode.Error, "no artifact captured yet")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+a.ID+a.Format+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(err)
		return
	}
	s.bc.add(conn)
	// drain (and discard) client frames so pings keep the connection alive
	go func() {
		defer s.bc.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errcode.Code, msg string) {
	writeJSON(w, status, map[string]string{"error": string(code), "message": msg})
}

func statusFor(code errcode.Code) int {
	switch code {
	case errcode.Busy:
		return http.StatusConflict
	case errcode.ValidationError, errcode.NotWritable, errcode.ConfigurationRejected:
		return http.StatusBadRequest
	case errcode.NotConnected, errcode.DeviceUnavailable, errcode.DeviceIncompatible:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
