// mock-gateway emulates the outreach provider API for local development:
// relation listings, invitations, chat messages and the composer's
// personalize endpoint. Outcomes are configurable so the worker's retry and
// breaker paths can be exercised without a real provider.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8080"`
	APIKey      string  `envconfig:"MOCK_API_KEY" default:""`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailStatus  int     `envconfig:"MOCK_FAIL_STATUS" default:"500"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	Relations   int     `envconfig:"MOCK_RELATIONS" default:"25"`
}

type server struct {
	cfg   config
	seq   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	s := &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/accounts/{accountID}/relations", s.handleRelations).Methods(http.MethodGet)
	router.HandleFunc("/v1/accounts/{accountID}/invitations", s.handleSend("invitation")).Methods(http.MethodPost)
	router.HandleFunc("/v1/accounts/{accountID}/messages", s.handleSend("message")).Methods(http.MethodPost)
	router.HandleFunc("/v1/personalize", s.handlePersonalize).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) authorized(r *http.Request) bool {
	return s.cfg.APIKey == "" || r.Header.Get("X-API-Key") == s.cfg.APIKey
}

func (s *server) succeed() bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < s.cfg.SuccessRate
}

func (s *server) delay() {
	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}
}

func (s *server) handleRelations(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad api key")
		return
	}
	s.delay()

	accountID := mux.Vars(r)["accountID"]
	type relation struct {
		ProviderID string `json:"providerId"`
		FullName   string `json:"fullName"`
	}
	items := make([]relation, 0, s.cfg.Relations)
	for i := 0; i < s.cfg.Relations; i++ {
		items = append(items, relation{
			ProviderID: fmt.Sprintf("%s-rel-%03d", accountID, i),
			FullName:   fmt.Sprintf("Relation %03d", i),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *server) handleSend(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad api key")
			return
		}
		s.delay()

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}

		if !s.succeed() {
			writeError(w, s.cfg.FailStatus, "provider_error", "simulated failure")
			return
		}

		id := fmt.Sprintf("%s_%d", kind, atomic.AddUint64(&s.seq, 1))
		slog.Info("mock gateway send", "kind", kind, "id", id)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "sent"})
	}
}

func (s *server) handlePersonalize(w http.ResponseWriter, r *http.Request) {
	s.delay()

	var in struct {
		Template string            `json:"template"`
		Contact  map[string]string `json:"contact"`
		Project  map[string]string `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	msg := in.Template
	if msg == "" {
		msg = "Hi " + in.Contact["full_name"]
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}
