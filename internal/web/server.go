package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/history"
	"image-compressor-go/internal/imageinfo"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/statistics"
)

// Deps are the components the server exposes over HTTP.
type Deps struct {
	Controller *progress.Controller
	History    *history.Store
	Inspector  *imageinfo.Inspector
	Statistics *statistics.Statistics
	Metrics    *metrics.Recorder
	Now        func() time.Time
}

type Server struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	deps Deps

	// Sessions outlive the request that started them, so they run under
	// the server's own context.
	baseCtx     context.Context
	cancel      context.CancelFunc
	updates     chan progress.State
	unsubscribe func()
	pumpDone    chan struct{}
	stopOnce    sync.Once
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type QualityRequest struct {
	Quality float64 `json:"quality"`
}

type CompressResponse struct {
	Session          uint64          `json:"session"`
	EstimatedSeconds int             `json:"estimated_seconds"`
	Quality          float64         `json:"quality"`
	Info             *imageinfo.Info `json:"info,omitempty"`
}

type QualityResponse struct {
	Quality float64 `json:"quality"`
	Session uint64  `json:"session,omitempty"`
	Started bool    `json:"started"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const updateBuffer = 64

func NewServer(cfg *config.Config, log logrus.FieldLogger, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Inspector == nil {
		deps.Inspector = imageinfo.NewInspector(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		log:       logger.OrDiscard(log).WithField("svc", "web.Server"),
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		deps:     deps,
		baseCtx:  ctx,
		cancel:   cancel,
		updates:  make(chan progress.State, updateBuffer),
		pumpDone: make(chan struct{}),
	}

	// The controller calls subscribers under its lock, so the hand-off never
	// blocks and websocket writes happen on the pump goroutine.
	s.unsubscribe = deps.Controller.Subscribe(func(st progress.State) {
		select {
		case s.updates <- st:
		default:
			s.log.WithField("session", st.Session).Debug("Dropped progress update for slow websocket clients")
		}
	})
	go s.pump()

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/quality", s.handleQuality).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/result", s.handleResult).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down, detaches from the controller and closes
// every websocket client. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.unsubscribe()
		s.cancel()
		<-s.pumpDone

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}

		s.wsMutex.Lock()
		for conn := range s.wsClients {
			conn.Close()
			delete(s.wsClients, conn)
		}
		s.wsMutex.Unlock()
	})
	return err
}

func (s *Server) pump() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case st := <-s.updates:
			s.broadcastWSMessage("progress", st)
		}
	}
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	log := logger.WithOperation(s.log, "compress")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "File is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read upload: %v", err), http.StatusBadRequest)
		return
	}

	quality := s.deps.Controller.Quality()
	if raw := r.FormValue("quality"); raw != "" {
		quality, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, "Quality must be a number", http.StatusBadRequest)
			return
		}
	}

	req := progress.Request{Name: header.Filename, Data: data, Quality: quality}
	if err := req.Validate(); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// An undecodable upload still starts a session; the compressor reports
	// the failure through the progress stream.
	resp := CompressResponse{Quality: quality}
	if info, err := s.deps.Inspector.Inspect(header.Filename, data); err == nil {
		resp.Info = &info
	} else {
		logger.WithFile(log, header.Filename).Warnf("Failed to inspect upload: %v", err)
	}

	seq, err := s.deps.Controller.Start(s.baseCtx, req)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	resp.Session = seq
	resp.EstimatedSeconds = s.deps.Controller.State().EstimatedSeconds

	logger.WithSession(logger.WithFile(log, header.Filename), seq).
		WithField("size", req.Size()).
		WithField("quality", quality).
		Info("Compression session started")

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
		Data:    resp,
	})
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	var req QualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	seq, started, err := s.deps.Controller.ChangeQuality(s.baseCtx, req.Quality)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	message := "Quality updated"
	if started {
		message = "Compression restarted"
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: message,
		Data:    QualityResponse{Quality: req.Quality, Session: seq, Started: started},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"progress": s.deps.Controller.State(),
			"quality":  s.deps.Controller.Quality(),
		},
	})
}

// handleResult serves the latest artifact as a download and records it in
// the history, once per download.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	artifact, ok := s.deps.Controller.Result()
	if !ok {
		s.writeError(w, "No compressed image available", http.StatusNotFound)
		return
	}

	if s.deps.History != nil {
		entry := history.NewEntry(s.deps.Now(), artifact.SourceName, artifact.OriginalSize, artifact.Size(), artifact.Quality)
		s.deps.History.Record(entry)
		if s.deps.Statistics != nil {
			s.deps.Statistics.IncrementHistoryRecords()
		}
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name}))
	w.Header().Set("X-Artifact-Handle", artifact.Handle)
	if _, err := w.Write(artifact.Data); err != nil {
		s.log.Errorf("Failed to write artifact %s: %v", artifact.ID, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := []history.Entry{}
	if s.deps.History != nil {
		entries = s.deps.History.Entries()
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    entries,
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Statistics == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Data:    nil,
		})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":  s.deps.Statistics.GetSummary(),
			"counters": s.deps.Statistics.Snapshot(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// New clients start from the current state.
	if err := s.writeWSMessage(conn, "progress", s.deps.Controller.State()); err != nil {
		return
	}

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) writeWSMessage(conn *websocket.Conn, messageType string, data interface{}) error {
	msgBytes, err := json.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		return err
	}

	// gorilla/websocket allows one concurrent writer per connection.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msgBytes)
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		err := conn.WriteMessage(websocket.TextMessage, msgBytes)
		if err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			// Remove failed connection
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, progress.ErrInvalidRequest):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, progress.ErrClosed):
		s.writeError(w, "Compressor is shutting down", http.StatusServiceUnavailable)
	default:
		s.log.Errorf("Unexpected controller error: %v", err)
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
