// IndiGo is an astronomy camera driver: it bridges a libcamera capture
// stack to instrument-control clients, with a sensor simulator for
// development off the target hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cjeanneret/IndiGo/internal/config"
	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/hw/camera"
	"github.com/cjeanneret/IndiGo/internal/protocol"
	"github.com/cjeanneret/IndiGo/internal/session"
	"github.com/cjeanneret/IndiGo/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "indigo:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	cameraID := flag.String("camera", "", "camera identifier (overrides the configuration)")
	backend := flag.String("backend", "", "capture backend: sim or gst (overrides the configuration)")
	webAddr := flag.String("web", "", "web listen address (overrides the configuration)")
	debugLevel := flag.Int("debug", -1, "debug level 0-4 (overrides the configuration)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *cameraID != "" {
		cfg.Camera.Device = *cameraID
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *webAddr != "" {
		cfg.Web.Enabled = true
		cfg.Web.Listen = *webAddr
	}
	if *debugLevel >= 0 {
		cfg.DebugLevel = *debugLevel
	}

	debug.Init(cfg.DebugLevel)
	debug.Summary("IndiGo camera driver")
	debug.Section("Initialization")

	debug.Step(1, "selecting capture backend")
	var stack camera.Stack
	switch cfg.Camera.Backend {
	case "sim":
		stack = camera.NewSimStack()
	case "gst":
		stack = camera.NewGstStack(cfg.Camera.GstNames)
	default:
		return fmt.Errorf("unknown camera backend %q", cfg.Camera.Backend)
	}
	debug.Value("backend", cfg.Camera.Backend)
	debug.Value("cameras", stack.Cameras())

	debug.Step(2, "building session")
	bc := web.NewBroadcaster()
	if cfg.Web.Enabled {
		// tee the debug log into the websocket event stream
		debug.SetOutput(io.MultiWriter(os.Stdout, bc))
	}
	machine := session.New(session.Options{
		Stack:           stack,
		Sink:            protocol.MultiSink{bc, protocol.LogSink{}},
		Restart:         cfg.RestartPolicy(),
		ForceBayerOrder: cfg.Camera.ForceBayerOrder,
		IgnoreRawModes:  cfg.Camera.IgnoreRawModes,
		DefaultCamera:   cfg.Camera.Device,
		SnapshotDir:     cfg.SnapshotDir,
		UploadMode:      cfg.Upload.Mode,
		UploadDir:       cfg.Upload.Dir,
		UploadPrefix:    cfg.Upload.Prefix,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug.Step(3, "starting services")
	machineDone := make(chan error, 1)
	go func() { machineDone <- machine.Run(ctx) }()

	webDone := make(chan error, 1)
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web.Listen, machine, bc)
		go func() { webDone <- srv.Run(ctx) }()
	}

	// bring the default camera up; clients can still connect/disconnect at will
	if err := machine.Connect(cfg.Camera.Device); err != nil {
		debug.Error(err)
	}

	select {
	case <-ctx.Done():
	case err := <-webDone:
		if err != nil {
			stop()
			<-machineDone
			return err
		}
	}
	<-machineDone
	debug.Info("shut down")
	return nil
}
