// Package httpapi is the HTTP surface over an *library.Engine: chi
// routing, JSON responses, and the SSE event stream, mounted under
// "/library" by cmd/libraryctld.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/qualstar/libraryctl/internal/libauth"
	"github.com/qualstar/libraryctl/internal/library"
	"github.com/qualstar/libraryctl/internal/logging"
)

// Server wraps the engine with the HTTP handlers exposed under /library.
type Server struct {
	router  *chi.Mux
	engine  *library.Engine
	auth    *libauth.Service
	logger  *logging.Logger
	started time.Time
}

// NewServer builds the router and registers every route.
func NewServer(engine *library.Engine, auth *libauth.Service, logger *logging.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		engine:  engine,
		auth:    auth,
		logger:  logger,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/library/login", s.handleLogin)
	r.Get("/library/help", s.handleHelp)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/library/verify", s.handleVerify)

		r.Get("/library/data", s.handleData)
		r.Get("/library/data/force", s.handleDataForce)
		r.Get("/library/drives", s.handleDrives)
		r.Get("/library/drives/force", s.handleDrivesForce)
		r.Get("/library/tapes", s.handleTapes)
		r.Get("/library/tapes/force", s.handleTapesForce)
		r.Get("/library/slots", s.handleSlots)
		r.Get("/library/slots/force", s.handleSlotsForce)

		r.Post("/library/load/{drive}/{tape}", s.handleLoad)
		r.Post("/library/unload/{drive}", s.handleUnload)
		r.Post("/library/mount/{drive}", s.handleMount)
		r.Post("/library/unmount/{drive}", s.handleUnmount)
		r.Post("/library/format/{drive}", s.handleFormat)
		r.Post("/library/format/{drive}/force", s.handleFormatForce)
		r.Post("/library/ltfsck/{drive}", s.handleLtfsck)
		r.Post("/library/transfer/{tape}/{slot}", s.handleTransfer)
		r.Post("/library/release", s.handleRelease)

		r.Get("/library/operation/{trace_id}", s.handleOperation)
		r.Get("/library/operation/{trace_id}/{ticks}", s.handleOperation)

		r.Get("/library/events/stream", s.handleEventStream)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "Invalid request")
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func intParam(r *http.Request, name string) (int, bool) {
	v := chi.URLParam(r, name)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Initialize(r.Context()); err != nil {
		respondJSON(w, http.StatusOK, false)
		return
	}
	respondJSON(w, http.StatusOK, true)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	s.data(w, r, false)
}

func (s *Server) handleDataForce(w http.ResponseWriter, r *http.Request) {
	s.data(w, r, true)
}

func (s *Server) data(w http.ResponseWriter, r *http.Request, force bool) {
	if err := s.engine.CollectStatus(r.Context(), force); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"Drives": s.engine.Drives(),
		"Slots":  s.engine.Slots(),
	})
}

func (s *Server) handleDrives(w http.ResponseWriter, r *http.Request)      { s.drives(w, r, false) }
func (s *Server) handleDrivesForce(w http.ResponseWriter, r *http.Request) { s.drives(w, r, true) }

func (s *Server) drives(w http.ResponseWriter, r *http.Request, force bool) {
	if err := s.engine.CollectStatus(r.Context(), force); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Drives())
}

func (s *Server) handleTapes(w http.ResponseWriter, r *http.Request)      { s.tapes(w, r, false) }
func (s *Server) handleTapesForce(w http.ResponseWriter, r *http.Request) { s.tapes(w, r, true) }

func (s *Server) tapes(w http.ResponseWriter, r *http.Request, force bool) {
	if err := s.engine.CollectStatus(r.Context(), force); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Media())
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request)      { s.slots(w, r, false) }
func (s *Server) handleSlotsForce(w http.ResponseWriter, r *http.Request) { s.slots(w, r, true) }

func (s *Server) slots(w http.ResponseWriter, r *http.Request, force bool) {
	if err := s.engine.CollectStatus(r.Context(), force); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Slots())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	drive, ok := intParam(r, "drive")
	tape := chi.URLParam(r, "tape")
	if !ok || tape == "" {
		respondError(w, http.StatusBadRequest, "expected /library/load/{drive}/{tape}")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Load(r.Context(), tape, drive))
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	drive, ok := intParam(r, "drive")
	if !ok {
		respondError(w, http.StatusBadRequest, "expected /library/unload/{drive}")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Unload(r.Context(), drive))
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	drive, ok := intParam(r, "drive")
	if !ok {
		respondError(w, http.StatusBadRequest, "expected /library/mount/{drive}")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Mount(r.Context(), drive))
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	drive, ok := intParam(r, "drive")
	if !ok {
		respondError(w, http.StatusBadRequest, "expected /library/unmount/{drive}")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Unmount(r.Context(), drive))
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request)      { s.format(w, r, false) }
func (s *Server) handleFormatForce(w http.ResponseWriter, r *http.Request) { s.format(w, r, true) }

func (s *Server) format(w http.ResponseWriter, r *http.Request, force bool) {
	drive, ok := intParam(r, "drive")
	if !ok {
		respondError(w, http.StatusBadRequest, "expected /library/format/{drive}[/force]")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Format(r.Context(), drive, force))
}

func (s *Server) handleLtfsck(w http.ResponseWriter, r *http.Request) {
	drive, ok := intParam(r, "drive")
	if !ok {
		respondError(w, http.StatusBadRequest, "expected /library/ltfsck/{drive}")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Ltfsck(r.Context(), drive))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	tape := chi.URLParam(r, "tape")
	slot, ok := intParam(r, "slot")
	if tape == "" || !ok {
		respondError(w, http.StatusBadRequest, "expected /library/transfer/{tape}/{slot}")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Transfer(r.Context(), tape, slot))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Release(r.Context()))
}

// handleOperation polls an operation by trace id. Closing the original
// request does not stop an operation: it keeps running in the background,
// so clients must poll here (at the pace of wait_before_next_trace) until
// the status leaves Ongoing. An optional trailing unix-nano timestamp
// filters the log lines to those at or after that instant.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	var since time.Time
	if ticksStr := chi.URLParam(r, "ticks"); ticksStr != "" {
		ticks, err := strconv.ParseInt(ticksStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "ticks must be a unix-nano timestamp")
			return
		}
		since = time.Unix(0, ticks)
	}
	op, ok := s.engine.Operation(traceID, since)
	if !ok {
		respondJSON(w, http.StatusOK, nil)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

// librarySummary reports human-readable capacity and occupancy figures for
// the /library/help payload, via go-humanize rather than raw byte counts.
func (s *Server) librarySummary() map[string]interface{} {
	media := s.engine.Media()
	var totalCapacity, totalRemaining int64
	loaded := 0
	for _, m := range media {
		if m.Capacity != nil {
			totalCapacity += *m.Capacity
		}
		if m.Remaining != nil {
			totalRemaining += *m.Remaining
		}
		if m.DriveSlotNumber != nil {
			loaded++
		}
	}
	return map[string]interface{}{
		"cartridges_known":  len(media),
		"cartridges_loaded": fmt.Sprintf("%s of %s cartridges in a drive", humanize.Comma(int64(loaded)), humanize.Comma(int64(len(media)))),
		"total_capacity":    humanize.Bytes(uint64(totalCapacity)),
		"total_remaining":   humanize.Bytes(uint64(totalRemaining)),
		"drives_configured": humanize.Comma(int64(len(s.engine.Drives()))),
		"slots_configured":  humanize.Comma(int64(len(s.engine.Slots()))),
		"service_started":   humanize.Time(s.started),
	}
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"library": s.librarySummary(),
		"notes": []string{
			"Cancelling a POST request does not cancel the operation it started; the operation keeps running in the background. Poll GET /library/operation/{trace_id} until the status leaves Ongoing, pacing polls by wait_before_next_trace.",
		},
		"routes": []map[string]string{
			{"method": "GET", "path": "/library/verify", "purpose": "initialize + readiness"},
			{"method": "GET", "path": "/library/data[/force]", "purpose": "snapshot drives+slots"},
			{"method": "GET", "path": "/library/drives[/force]", "purpose": "drive snapshot"},
			{"method": "GET", "path": "/library/tapes[/force]", "purpose": "media snapshot"},
			{"method": "GET", "path": "/library/slots[/force]", "purpose": "slot snapshot"},
			{"method": "POST", "path": "/library/load/{drive}/{tape}", "purpose": "load + mount"},
			{"method": "POST", "path": "/library/unload/{drive}", "purpose": "unmount + unload"},
			{"method": "POST", "path": "/library/mount/{drive}", "purpose": "mount only"},
			{"method": "POST", "path": "/library/unmount/{drive}", "purpose": "unmount only"},
			{"method": "POST", "path": "/library/format/{drive}[/force]", "purpose": "mkltfs"},
			{"method": "POST", "path": "/library/ltfsck/{drive}", "purpose": "ltfsck"},
			{"method": "POST", "path": "/library/transfer/{tape}/{slot}", "purpose": "move cartridge"},
			{"method": "POST", "path": "/library/release", "purpose": "unmount+unload all"},
			{"method": "GET", "path": "/library/operation/{trace_id}[/{ticks}]", "purpose": "poll operation"},
			{"method": "GET", "path": "/library/events/stream", "purpose": "server-sent event feed"},
			{"method": "POST", "path": "/library/login", "purpose": "obtain a bearer token"},
		},
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := s.engine.Events()
	if events == nil {
		respondError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	ch := events.Subscribe()
	defer events.Unsubscribe(ch)

	for _, event := range events.History() {
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
