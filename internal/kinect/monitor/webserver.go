// Package monitor serves the HTTP control and debugging surface of the
// fusion loop: live status, runtime configuration, pointer injection, the
// keyed foreground image and tick timing charts.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/kv2share/internal/config"
	"github.com/banshee-data/kv2share/internal/kinect/pipeline"
	"github.com/banshee-data/kv2share/internal/monitoring"
)

// maxConfigBody bounds POST bodies, matching the config file limit.
const maxConfigBody = 1 << 20

// Controller is the part of the fusion loop the monitor drives.
type Controller interface {
	Status() pipeline.Status
	SendPointer(x, y int) error
	// Foreground is the image keyed by the latest tick, or nil.
	Foreground() *image.RGBA
}

// StatsFunc reports the counters of an auxiliary component.
type StatsFunc func() interface{}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address    string
	Controller Controller
	Store      *config.Store
	Cycles     *monitoring.CycleStats
	// Components are merged into /api/status under their key.
	Components map[string]StatsFunc
	// Admin mounts extra debug routes, such as the recording database.
	Admin func(*tsweb.DebugHandler) error
}

// WebServer handles the monitor HTTP interface.
type WebServer struct {
	address    string
	controller Controller
	store      *config.Store
	cycles     *monitoring.CycleStats
	components map[string]StatsFunc
	admin      func(*tsweb.DebugHandler) error
	server     *http.Server
	handler    http.Handler
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Controller == nil || cfg.Store == nil {
		return nil, errors.New("monitor: controller and config store are required")
	}
	ws := &WebServer{
		address:    cfg.Address,
		controller: cfg.Controller,
		store:      cfg.Store,
		cycles:     cfg.Cycles,
		components: cfg.Components,
		admin:      cfg.Admin,
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.handler = mux
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the route table.
func (ws *WebServer) Handler() http.Handler { return ws.handler }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("monitor: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[monitor] HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("[monitor] HTTP server stopped")
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/config", ws.handleConfig)
	mux.HandleFunc("/api/pointer", ws.handlePointer)
	mux.HandleFunc("/debug/cycles", ws.handleCyclesChart)
	mux.HandleFunc("/debug/cycles.svg", ws.handleCyclesHistogram)
	mux.HandleFunc("/debug/foreground.png", ws.handleForeground)

	debug := tsweb.Debugger(mux)
	debug.URL("/debug/cycles", "Tick duration chart")
	debug.URL("/debug/cycles.svg", "Tick duration histogram (SVG)")
	debug.URL("/debug/foreground.png", "Keyed foreground of the latest tick (PNG)")
	if ws.admin != nil {
		if err := ws.admin(debug); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status     pipeline.Status          `json:"status"`
	Config     config.Snapshot          `json:"config"`
	Cycles     *monitoring.CycleSummary `json:"cycles,omitempty"`
	Components map[string]interface{}   `json:"components,omitempty"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp := StatusResponse{
		Status: ws.controller.Status(),
		Config: ws.store.Snapshot(),
	}
	if ws.cycles != nil {
		sum := ws.cycles.Summary()
		resp.Cycles = &sum
	}
	if len(ws.components) > 0 {
		resp.Components = make(map[string]interface{}, len(ws.components))
		for name, fn := range ws.components {
			resp.Components[name] = fn()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ws *WebServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ws.store.Snapshot())
	case http.MethodPost, http.MethodPatch:
		var patch config.RuntimeConfig
		if err := decodeBody(r, &patch); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		snap, err := ws.store.Update(&patch)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		monitoring.Logf("[monitor] config updated to version %d", snap.Version)
		writeJSON(w, http.StatusOK, snap)
	default:
		methodNotAllowed(w)
	}
}

type pointerRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

func (ws *WebServer) handlePointer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req pointerRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.X == nil || req.Y == nil {
		writeJSONError(w, http.StatusBadRequest, "x and y are required")
		return
	}
	if !fitsInt32(*req.X) || !fitsInt32(*req.Y) {
		writeJSONError(w, http.StatusBadRequest, "x and y must fit in a 32-bit integer")
		return
	}
	if err := ws.controller.SendPointer(*req.X, *req.Y); err != nil {
		code := http.StatusServiceUnavailable
		switch {
		case errors.Is(err, pipeline.ErrExitRequested):
			code = http.StatusConflict
		case errors.Is(err, pipeline.ErrPointerRange):
			code = http.StatusBadRequest
		}
		writeJSONError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"x": *req.X, "y": *req.Y})
}

func fitsInt32(v int) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

// handleForeground serves the latest keyed image. Ticks that did not key
// leave nothing to serve.
func (ws *WebServer) handleForeground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	fg := ws.controller.Foreground()
	if fg == nil {
		writeJSONError(w, http.StatusNotFound, "no keyed foreground for the latest tick")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, fg); err != nil {
		monitoring.Logf("[monitor] failed to encode foreground: %v", err)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
