// Package monitor serves a live view of a running scan: JSON endpoints for
// the latest snapshot and saved runs, echarts pages, and a websocket stream
// of steps as they are recorded.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/httputil"
	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/report"
	"github.com/banshee-data/motorscan/internal/scan"
	"github.com/banshee-data/motorscan/internal/security"
)

const subscriberBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Monitor is a scan listener that keeps the latest snapshot and fans new
// steps out to websocket subscribers.
type Monitor struct {
	FS      fsutil.FileSystem
	Dirname string
	Rows    int
	Log     *monitoring.Logger

	mu     sync.RWMutex
	latest *scan.Result
	subs   map[chan []byte]struct{}
}

// New returns a Monitor that lists saved runs under dirname on fsys.
func New(fsys fsutil.FileSystem, dirname string) *Monitor {
	return &Monitor{
		FS:      fsys,
		Dirname: dirname,
		Log:     monitoring.New("monitor"),
		subs:    make(map[chan []byte]struct{}),
	}
}

// OnStep records the snapshot and broadcasts its newest step. Subscribers
// that fall behind miss steps rather than stall the scan.
func (m *Monitor) OnStep(snapshot *scan.Result) error {
	step, ok := snapshot.Metadata.LastStep()
	var msg []byte
	if ok {
		var err error
		if msg, err = json.Marshal(step); err != nil {
			return fmt.Errorf("encode step %d: %w", step.StepIndex, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = snapshot
	if msg == nil {
		return nil
	}
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
			m.Log.Warnf("websocket subscriber is behind, dropping step %d", step.StepIndex)
		}
	}
	return nil
}

// Latest returns the most recent snapshot, or nil before the first step.
func (m *Monitor) Latest() *scan.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Monitor) unsubscribe(ch chan []byte) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.mu.Unlock()
}

// Router returns the HTTP routes.
func (m *Monitor) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", m.handleChart)
	r.Get("/api/latest", m.handleLatest)
	r.Get("/api/runs", m.handleRuns)
	r.Get("/api/runs/{id}", m.handleRun)
	r.Get("/api/runs/{id}/chart", m.handleRunChart)
	r.Get("/ws", m.handleStream)
	return r
}

// Serve listens on addr until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	m.Log.Infof("monitor listening on %s", addr)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (m *Monitor) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest := m.Latest()
	if latest == nil {
		httputil.NotFound(w, "no scan data yet")
		return
	}
	httputil.WriteJSONOK(w, latest)
}

func (m *Monitor) handleChart(w http.ResponseWriter, r *http.Request) {
	latest := m.Latest()
	if latest == nil {
		httputil.NotFound(w, "no scan data yet")
		return
	}
	httputil.WriteHTML(w, func(buf *bytes.Buffer) error {
		return report.WritePage(buf, &latest.Metadata, m.Rows)
	})
}

func (m *Monitor) handleRuns(w http.ResponseWriter, r *http.Request) {
	dirs, err := scan.ListSaved(m.FS, m.Dirname)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		httputil.InternalServerError(w, err.Error())
		return
	}
	runs := make([]string, len(dirs))
	for i, d := range dirs {
		runs[i] = filepath.Base(d)
	}
	httputil.WriteJSONOK(w, runs)
}

func (m *Monitor) loadRun(w http.ResponseWriter, r *http.Request) (*scan.Result, bool) {
	id := chi.URLParam(r, "id")
	if err := security.ValidateRunID(m.Dirname, id); err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	res, err := scan.Load(m.FS, filepath.Join(m.Dirname, id))
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("run %q not found", id))
		return nil, false
	}
	return res, true
}

func (m *Monitor) handleRun(w http.ResponseWriter, r *http.Request) {
	if res, ok := m.loadRun(w, r); ok {
		httputil.WriteJSONOK(w, res)
	}
}

func (m *Monitor) handleRunChart(w http.ResponseWriter, r *http.Request) {
	res, ok := m.loadRun(w, r)
	if !ok {
		return
	}
	httputil.WriteHTML(w, func(buf *bytes.Buffer) error {
		return report.WritePage(buf, &res.Metadata, len(res.Metadata.Steps))
	})
}

// handleStream upgrades to a websocket, sends the latest step and then every
// new step until the client goes away.
func (m *Monitor) handleStream(w http.ResponseWriter, r *http.Request) {
	ch := m.subscribe()
	defer m.unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Log.Warnf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if latest := m.Latest(); latest != nil {
		if step, ok := latest.Metadata.LastStep(); ok {
			if err := conn.WriteJSON(step); err != nil {
				return
			}
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					m.Log.Debugf("websocket closed: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case msg := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
