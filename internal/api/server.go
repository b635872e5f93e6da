package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sharedtab/go-backend/internal/app"
	"sharedtab/go-backend/internal/platform/runtime"
)

const DefaultRPCAddr = "127.0.0.1:8791"

// Server exposes the daemon over local HTTP: JSON-RPC on /rpc, server-sent
// notifications on /rpc/stream, Prometheus metrics on /metrics.
type Server struct {
	httpServer *http.Server
	service    *app.Service
	initErr    error
	rpcToken   string
	requireRPC bool
}

func NewServer(rpcAddr string, svc *app.Service) *Server {
	requireRPC := requiresRPCToken()
	rpcToken := strings.TrimSpace(os.Getenv("TAB_RPC_TOKEN"))
	if requireRPC && rpcToken == "" {
		return &Server{
			initErr: errors.New("TAB_RPC_TOKEN is required unless TAB_REQUIRE_RPC_TOKEN=false or TAB_ENV is test/development/local"),
		}
	}
	if rpcAddr == "" {
		rpcAddr = DefaultRPCAddr
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              rpcAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:    svc,
		rpcToken:   rpcToken,
		requireRPC: requireRPC,
	}
	if s.rpcToken == "" && !s.requireRPC {
		slog.Default().Warn("TAB_RPC_TOKEN is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Run starts networking and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	if err := s.service.StartNetworking(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := s.service.StopNetworking(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.service.StopNetworking(shutdownCtx)
		cancel()
		return err
	}
}

// HandleRPC and HandleRPCStream allow embedding the endpoints into another
// mux, mainly from tests.
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request)       { s.handleRPC(w, r) }
func (s *Server) HandleRPCStream(w http.ResponseWriter, r *http.Request) { s.handleRPCStream(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	replay, ch, cancel := s.service.SubscribeNotifications(cursor)
	defer cancel()

	for _, n := range replay {
		if err := writeSSEEvent(w, n); err != nil {
			return
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, n); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, n runtime.Notification) error {
	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  n.Method,
		"params": map[string]any{
			"seq":       n.Seq,
			"timestamp": n.Timestamp,
			"payload":   n.Payload,
		},
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", n.Seq); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(data))
	return err
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-TAB-RPC-Token")
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" && !s.requireRPC {
		return true
	}
	token := extractRPCToken(r)
	if token != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("X-TAB-RPC-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func requiresRPCToken() bool {
	if v, ok := parseBoolEnv("TAB_REQUIRE_RPC_TOKEN"); ok {
		if !v && !isNonProdEnv() {
			// Fail closed outside development environments.
			return true
		}
		return v
	}
	return !isNonProdEnv()
}

func isNonProdEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("TAB_ENV"))) {
	case "test", "testing", "dev", "development", "local":
		return true
	default:
		return false
	}
}

func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
