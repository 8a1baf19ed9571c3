// Package admin provides the HTTP management surface: topic binding
// listing, schema registration and broker statistics, plus the
// Prometheus scrape endpoint.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/protomq/protomq/internal/metrics"
	"github.com/protomq/protomq/internal/schema"
)

// BrokerStats is the read-only counter view the broker core exposes.
type BrokerStats interface {
	ActiveConnections() int
	TotalMessagesRouted() uint64
}

type Server struct {
	reg   *schema.Registry
	stats BrokerStats
	token string
	http  *http.Server
}

func New(reg *schema.Registry, stats BrokerStats, token string) *Server {
	return &Server{reg: reg, stats: stats, token: token}
}

// Serve starts the admin listener and serves it in the background. A
// listen failure is returned; a later HTTP server error other than
// http.ErrServerClosed is sent to errs.
func (s *Server) Serve(address string, errs chan<- error) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.http = &http.Server{Handler: s.routes()}
	log.WithFields(log.Fields{
		"admin_address": address,
	}).Info("Starting admin server")

	go func() {
		if err := s.http.Serve(l); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/bindings", s.auth(s.handleBindings))
	mux.HandleFunc("/api/v1/schemas", s.auth(s.handleSchemas))
	mux.HandleFunc("/api/v1/stats", s.auth(s.handleStats))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}
}

func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return h
	}

	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.reg.Bindings())
}

type registerRequest struct {
	Topic       string `json:"topic"`
	MessageType string `json:"message_type"`
	Schema      string `json:"schema"`
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Topic == "" || req.MessageType == "" || req.Schema == "" {
		http.Error(w, "topic, message_type and schema are required", http.StatusBadRequest)
		return
	}

	if err := s.reg.RegisterSchemaAndBind(req.Topic, req.MessageType, req.Schema); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	metrics.SchemaCount.Set(float64(s.reg.SchemaCount()))

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{
		"topic":        req.Topic,
		"message_type": req.MessageType,
	})
}

type statsResponse struct {
	ActiveConnections   int    `json:"active_connections"`
	TotalMessagesRouted uint64 `json:"total_messages_routed"`
	SchemaCount         int    `json:"schema_count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, statsResponse{
		ActiveConnections:   s.stats.ActiveConnections(),
		TotalMessagesRouted: s.stats.TotalMessagesRouted(),
		SchemaCount:         s.reg.SchemaCount(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{
			"err": err,
		}).Error("Unable to write admin response")
	}
}
