package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/cache"
	"tilecache/internal/config"
	"tilecache/internal/coordinator"
	"tilecache/internal/rescale"
	"tilecache/internal/tile"
)

const maxTransitionTiles = 4096

type Handlers struct {
	config      *config.Config
	logger      *zap.Logger
	store       *cache.Store
	coordinator *coordinator.Coordinator
	synthesizer *rescale.Synthesizer
}

func New(config *config.Config, logger *zap.Logger, store *cache.Store, coord *coordinator.Coordinator, synth *rescale.Synthesizer) *Handlers {
	return &Handlers{
		config:      config,
		logger:      logger,
		store:       store,
		coordinator: coord,
		synthesizer: synth,
	}
}

// Register mounts every route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/tiles/", h.HandleTile)
	mux.HandleFunc("/api/transition", h.HandleTransition)
	mux.HandleFunc("/api/network", h.HandleNetwork)
	mux.HandleFunc("/api/budget", h.HandleBudget)
	mux.HandleFunc("/api/purge", h.HandlePurge)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Tile-State")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleTile serves GET /tiles/{source}/{z}/{x}/{y}.png. The source may
// contain slashes. ?remote=0 restricts the answer to cached data.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/tiles/")
	if !strings.HasSuffix(path, ".png") {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	key, err := tile.ParseKey(strings.TrimSuffix(path, ".png"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	allowRemote := true
	if v := r.URL.Query().Get("remote"); v != "" {
		if allowRemote, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "Invalid remote flag", http.StatusBadRequest)
			return
		}
	}

	timeout := 2 * h.config.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	img, kind, err := h.coordinator.Fetch(ctx, key, allowRemote)
	switch {
	case errors.Is(err, coordinator.ErrExhausted), errors.Is(err, coordinator.ErrUnavailable):
		http.Error(w, "Tile not available", http.StatusNotFound)
		return
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Tile fetch timed out", http.StatusGatewayTimeout)
		return
	case err != nil:
		h.logger.Debug("Tile request aborted", zap.String("key", key.String()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	err = png.Encode(&buf, img.RGBA)
	img.Release()
	if err != nil {
		h.logger.Error("Failed to encode tile", zap.String("key", key.String()), zap.Error(err))
		http.Error(w, "Failed to encode tile", http.StatusInternalServerError)
		return
	}

	etag := `"` + generateETag(buf.Bytes()) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Tile-State", kind.String())
	if kind == tile.ResultFresh {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(buf.Bytes())
}

type transitionRequest struct {
	Source string  `json:"source"`
	From   float64 `json:"from"`
	To     float64 `json:"to"`
	Tiles  []struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"tiles"`
}

// HandleTransition synthesizes stand-in tiles for a zoom change. The tiles
// are the ones visible at the new zoom level.
func (h *Handlers) HandleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Source == "" || len(req.Tiles) > maxTransitionTiles {
		http.Error(w, "Invalid transition", http.StatusBadRequest)
		return
	}

	zoom := int(math.Floor(req.To))
	visible := make([]tile.Key, 0, len(req.Tiles))
	for _, t := range req.Tiles {
		key := tile.Key{Source: req.Source, Zoom: zoom, X: t.X, Y: t.Y}
		if !key.Valid() {
			http.Error(w, fmt.Sprintf("Invalid tile %s", key), http.StatusBadRequest)
			return
		}
		visible = append(visible, key)
	}

	h.store.ResizeBudget(len(visible))
	n := h.synthesizer.Transition(req.From, req.To, visible)

	writeJSON(w, map[string]int{"synthesized": n})
}

func (h *Handlers) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "Invalid enabled flag", http.StatusBadRequest)
		return
	}
	h.coordinator.SetNetworkEnabled(enabled)

	writeJSON(w, h.coordinator.Stats())
}

func (h *Handlers) HandleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	visible, err := strconv.Atoi(r.URL.Query().Get("visible"))
	if err != nil || visible < 0 {
		http.Error(w, "Invalid visible tile count", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]int64{"memory_budget": h.store.ResizeBudget(visible)})
}

func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.store.Purge(); err != nil {
		h.logger.Error("Failed to purge cache", zap.Error(err))
		http.Error(w, "Failed to purge cache", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Cache       cache.Stats       `json:"cache"`
	Coordinator coordinator.Stats `json:"coordinator"`
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, statsResponse{
		Cache:       h.store.Stats(),
		Coordinator: h.coordinator.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func generateETag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
