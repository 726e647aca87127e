// Package server provides HTTP server initialization and lifecycle
// management for the intake service.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/fleetform/intake/internal/config"
	"github.com/fleetform/intake/internal/dialogue"
	"github.com/fleetform/intake/internal/engine"
	"github.com/fleetform/intake/internal/storage"
)

// Start initializes and starts the HTTP server. It returns the actual
// address being listened on (useful for testing with port 0) and the event
// hub for wiring broadcasts. The server shuts down when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, store storage.RecordStore,
	embeddings storage.EmbeddingProvider, detector *engine.DedupEngine,
	collector *dialogue.Collector) (string, *EventHub, error) {

	hub := NewEventHub()
	go hub.Run()

	handlers := NewHandlers(store, embeddings, detector, dialogue.NewManager(), collector, hub)
	mux := buildMux(cfg, handlers, hub)

	limiter := newRateLimiter(10.0, 20)
	handler := rateLimitMiddleware(mux, limiter)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		hub.Stop()
		return "", nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("ERROR: server shutdown: %v", err)
		}
		hub.Stop()
	}()

	return actualAddr, hub, nil
}

// buildMux wires the API routes. Split out so handler tests can exercise the
// full routing and middleware without a listener.
func buildMux(cfg *config.Config, handlers *Handlers, hub *EventHub) *http.ServeMux {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.ListRecords(w, r)
		case http.MethodPost:
			handlers.CreateRecord(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.GetRecord(w, r)
		case http.MethodDelete:
			handlers.DeleteRecord(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			handlers.Chat(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux := http.NewServeMux()

	// Health endpoint, no auth required.
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.Handle("/api/", requireAuth(apiMux, cfg))
	mux.Handle("/ws", hub)

	return mux
}
