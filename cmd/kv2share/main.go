// Command kv2share runs the Kinect v2 fusion loop: it fetches frames,
// optionally keys the foreground and publishes bodies over OSC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"tailscale.com/tsweb"

	"github.com/banshee-data/kv2share/internal/config"
	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/kinect/l1frames"
	"github.com/banshee-data/kv2share/internal/kinect/l2registration"
	"github.com/banshee-data/kv2share/internal/kinect/monitor"
	"github.com/banshee-data/kv2share/internal/kinect/pipeline"
	"github.com/banshee-data/kv2share/internal/kinect/storage/sqlite"
	"github.com/banshee-data/kv2share/internal/kinect/visualiser"
	"github.com/banshee-data/kv2share/internal/monitoring"
	"github.com/banshee-data/kv2share/internal/osc"
	"github.com/banshee-data/kv2share/internal/timeutil"
	"github.com/banshee-data/kv2share/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON runtime config (default: built-in defaults)")
	listen        = flag.String("listen", ":8082", "HTTP listen address for the monitor")
	grpcListen    = flag.String("grpc-listen", "", "gRPC listen address for the body stream (empty disables)")
	dbFile        = flag.String("db", "", "Path to the SQLite recording database (empty disables recording)")
	source        = flag.String("source", "synthetic", "Frame source: synthetic or replay")
	replaySession = flag.String("replay-session", "", "Session id to replay with -source=replay")
	sessionLabel  = flag.String("session-label", "", "Label stored with a new recording session")
	bodies        = flag.Int("bodies", 2, "Number of people in the synthetic scene")
	showVersion   = flag.Bool("version", false, "Print version and exit")

	host    = flag.String("host", "", "Override the OSC destination host")
	outPort = flag.Int("port", 0, "Override the OSC destination port")
	inPort  = flag.Int("in-port", 0, "Override the OSC control port")
	fps     = flag.Int("fps", 0, "Override the frame rate")
	keying  = flag.String("keying", "", "Override keying (true|false)")
	grouped = flag.String("json", "", "Override nested JSON grouping (true|false)")

	logOps   = flag.String("log-ops", "stderr", "Ops log stream: stdout, stderr, a file path, or empty to disable")
	logDiag  = flag.String("log-diag", "", "Diagnostic log stream")
	logTrace = flag.String("log-trace", "", "Per-tick trace log stream")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("%s starting", version.String())

	closeLogs, err := setupLogging()
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	defer closeLogs()

	if err := kinect.CheckJointTable(); err != nil {
		log.Fatalf("joint table mismatch: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	snap := store.Snapshot()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *sqlite.Store
	if *dbFile != "" {
		db, err = sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open recording database: %v", err)
		}
		defer db.Close()
	}

	device, projector, err := openSource(db)
	if err != nil {
		log.Fatalf("failed to create frame source: %v", err)
	}
	if err := device.Open(); err != nil {
		log.Fatalf("failed to open frame source: %v", err)
	}
	defer device.Close()

	sender, err := osc.NewSender(osc.SenderConfig{Host: snap.Host, Port: snap.OutputPort})
	if err != nil {
		log.Fatalf("failed to create OSC sender: %v", err)
	}
	sender.Start()

	receiver := osc.NewReceiver(osc.ReceiverConfig{Port: snap.InputPort})

	var sinks []pipeline.Sink
	components := map[string]monitor.StatsFunc{
		"sender":   func() interface{} { return sender.Stats() },
		"receiver": func() interface{} { return receiver.Stats() },
	}

	var recorder *sqlite.Recorder
	if db != nil && *source != "replay" {
		id, err := db.StartSession(ctx, *sessionLabel, snap)
		if err != nil {
			log.Fatalf("failed to start recording session: %v", err)
		}
		log.Printf("recording session %s (active while record_bodies is set)", id)
		recorder = sqlite.NewRecorder(db, id, 0)
		recorder.Start(ctx)
		sinks = append(sinks, recorder)
		components["recorder"] = func() interface{} { return recorder.Stats() }
	}

	var viz *visualiser.Publisher
	if *grpcListen != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcListen
		viz = visualiser.NewPublisher(vcfg)
		if err := viz.Start(); err != nil {
			log.Fatalf("failed to start body stream server: %v", err)
		}
		sinks = append(sinks, viz)
		components["visualiser"] = func() interface{} { return viz.Stats() }
	}

	cycle, err := pipeline.New(pipeline.Config{
		Device:    device,
		Projector: projector,
		Publisher: sender,
		Inbox:     receiver,
		Store:     store,
		Clock:     timeutil.RealClock{},
		Sinks:     sinks,
	})
	if err != nil {
		log.Fatalf("failed to create fusion cycle: %v", err)
	}
	cycles := monitoring.NewCycleStats(600)
	runner := pipeline.NewRunner(cycle, store, timeutil.RealClock{}, cycles)

	ws, err := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    *listen,
		Controller: cycle,
		Store:      store,
		Cycles:     cycles,
		Components: components,
		Admin: func(debug *tsweb.DebugHandler) error {
			if db == nil {
				return nil
			}
			return db.AttachAdminRoutes(debug)
		},
	})
	if err != nil {
		log.Fatalf("failed to create monitor: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := receiver.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("OSC receiver stopped: %v", err)
		}
	}()

	httpCtx, stopHTTP := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(httpCtx); err != nil {
			log.Printf("monitor stopped: %v", err)
		}
	}()

	runErr := runner.Run(ctx)
	switch {
	case errors.Is(runErr, pipeline.ErrExitRequested):
		log.Printf("remote exit requested")
	case runErr != nil:
		log.Printf("fusion loop failed: %v", runErr)
	}

	// The cycle has queued its final status message; flush it before
	// tearing down the transports.
	stopHTTP()
	stop()
	if viz != nil {
		viz.Stop()
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Printf("failed to close recording session: %v", err)
		}
	}
	if err := sender.Close(); err != nil {
		log.Printf("failed to close OSC sender: %v", err)
	}
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, pipeline.ErrExitRequested) {
		os.Exit(1)
	}
	log.Printf("graceful shutdown complete")
}

func loadConfig() (*config.RuntimeConfig, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = cfg.Merge(loaded)
	}
	patch := &config.RuntimeConfig{}
	if *host != "" {
		patch.Host = host
	}
	if *outPort != 0 {
		patch.OutputPort = outPort
	}
	if *inPort != 0 {
		patch.InputPort = inPort
	}
	if *fps != 0 {
		patch.FrameRate = fps
	}
	if err := setBoolFlag("keying", *keying, &patch.KeyingEnabled); err != nil {
		return nil, err
	}
	if err := setBoolFlag("json", *grouped, &patch.JSONGrouped); err != nil {
		return nil, err
	}
	cfg = cfg.Merge(patch)
	return cfg, cfg.Validate()
}

func setBoolFlag(name, value string, dst **bool) error {
	switch value {
	case "":
		return nil
	case "true", "1", "on":
		v := true
		*dst = &v
	case "false", "0", "off":
		v := false
		*dst = &v
	default:
		return fmt.Errorf("-%s: expected true or false, got %q", name, value)
	}
	return nil
}

func openSource(db *sqlite.Store) (l1frames.Device, l2registration.Projector, error) {
	switch *source {
	case "synthetic":
		scfg := l1frames.DefaultSyntheticConfig()
		scfg.Bodies = *bodies
		dev, err := l1frames.NewSyntheticDevice(scfg)
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Projector(), nil
	case "replay":
		if db == nil || *replaySession == "" {
			return nil, nil, errors.New("-source=replay needs -db and -replay-session")
		}
		// Replayed frames carry no usable depth, so no projector is
		// installed and keying reports unavailable.
		return sqlite.NewReplayDevice(db, *replaySession), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q", *source)
	}
}

// setupLogging wires the ops, diag and trace streams. When none of the
// -log-* flags is set explicitly and KV2_DEBUG_LOG names a file, every
// stream goes there.
func setupLogging() (func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	open := func(target string) (io.Writer, error) {
		w, c, err := openLogWriter(target)
		if c != nil {
			closers = append(closers, c)
		}
		return w, err
	}

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-ops", "log-diag", "log-trace":
			explicit = true
		}
	})
	if legacy := os.Getenv("KV2_DEBUG_LOG"); legacy != "" && !explicit {
		w, err := open(legacy)
		if err != nil {
			return closeAll, err
		}
		osc.SetLegacyLogger(w)
		pipeline.SetLegacyLogger(w)
		l1frames.SetLogWriters(w, w)
		return closeAll, nil
	}

	ops, err := open(*logOps)
	if err != nil {
		return closeAll, err
	}
	diag, err := open(*logDiag)
	if err != nil {
		return closeAll, err
	}
	trace, err := open(*logTrace)
	if err != nil {
		return closeAll, err
	}
	osc.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
	l1frames.SetLogWriters(diag, trace)
	return closeAll, nil
}

func openLogWriter(target string) (io.Writer, io.Closer, error) {
	switch target {
	case "":
		return nil, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log %s: %w", target, err)
	}
	return f, f, nil
}
