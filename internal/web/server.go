package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pwn-gpsd/internal/track"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Deps are the live objects the HTTP API reads. Nil members disable their routes.
type Deps struct {
	Status       *Status
	Positions    *PositionBroadcaster
	Tracks       *Tracks
	Logs         *LogBuffer
	HandshakeDir string
	Logger       *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the same origin; other tools connect without one.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

func Handler(deps Deps) http.Handler {
	return newAPI(deps, nil).mux
}

type api struct {
	deps Deps
	log  *slog.Logger
	mux  *http.ServeMux
	// closing is closed when the server shuts down so hijacked websocket connections end too.
	closing <-chan struct{}
	wsWG    sync.WaitGroup
}

func newAPI(deps Deps, closing <-chan struct{}) *api {
	if deps.Status == nil {
		deps.Status = NewStatus()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &api{deps: deps, log: log.With("component", "web"), mux: http.NewServeMux(), closing: closing}

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}

	a.mux.HandleFunc("/api/status", getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.deps.Status.Snapshot(time.Now().UTC()))
	}))

	a.mux.HandleFunc("/api/position", getOnly(func(w http.ResponseWriter, r *http.Request) {
		pos := a.deps.Status.Snapshot(time.Now().UTC()).Position
		if pos == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, pos)
	}))

	if deps.Positions != nil {
		a.mux.HandleFunc("/api/position/ws", a.positionStream)
	}

	if deps.Tracks != nil {
		a.mux.HandleFunc("/api/tracks", getOnly(func(w http.ResponseWriter, r *http.Request) {
			resp, err := a.deps.Tracks.List(r.URL.Query().Get("points") == "1")
			if err != nil {
				a.log.Warn("reading tracks", "error", err)
			}
			writeJSON(w, resp)
		}))
	}

	if deps.HandshakeDir != "" {
		a.mux.HandleFunc("/api/handshakes", getOnly(func(w http.ResponseWriter, r *http.Request) {
			locs, err := track.HandshakeLocations(a.deps.HandshakeDir)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, struct {
				Locations []track.APLocation `json:"locations"`
			}{Locations: locs})
		}))
	}

	if deps.Logs != nil {
		a.mux.Handle("/api/logs", deps.Logs.Handler())
	}

	if assetsFS != nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		a.mux.Handle("/assets/", http.StripPrefix("/assets/", fileServer))
	}

	a.mux.HandleFunc("/", getOnly(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && (path.Dir(r.URL.Path) == "/api" || path.Dir(r.URL.Path) == "/assets") {
			http.NotFound(w, r)
			return
		}
		if assetsFS == nil {
			snap := a.deps.Status.Snapshot(time.Now().UTC())
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>pwn-gpsd</title></head><body>")
			_, _ = fmt.Fprintf(w, "<h1>pwn-gpsd</h1><p>Use <a href=\"/api/status\">/api/status</a>.</p>")
			_, _ = fmt.Fprintf(w, "<pre>upstream=%s (%s)\nclients=%d\npropagated=%d</pre></body></html>",
				snap.Upstream.Addr, snap.Upstream.State, snap.Clients, snap.Propagated)
			return
		}
		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	}))

	return a
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// positionStream pushes every propagated position to a websocket client as JSON.
func (a *api) positionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade", "error", err)
		return
	}
	a.wsWG.Add(1)
	defer a.wsWG.Done()
	defer conn.Close()

	id, ch := a.deps.Positions.Subscribe(4)
	defer a.deps.Positions.Unsubscribe(id)

	// The client never sends anything useful; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.log.Debug("websocket read", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-a.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
			conn.Close()
			<-gone
			return
		case pos, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(pos); err != nil {
				conn.Close()
				<-gone
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				<-gone
				return
			}
		}
	}
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, deps Deps) error {
	closing := make(chan struct{})
	a := newAPI(deps, closing)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	srv.RegisterOnShutdown(func() { close(closing) })

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		a.wsWG.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		close(closing)
		return err
	}
}
