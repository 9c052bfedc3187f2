// Package api exposes the analysis HTTP API: event ingest, on-demand issue
// detection and persona derivation, plus read access to the persisted results.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/issue"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/persona"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
	"github.com/platformbuilds/mirador-behavior-engine/internal/store/batch"
)

// Results is the persisted-results reader backing the GET endpoints. The
// Redis store satisfies it; a nil Results disables those endpoints.
type Results interface {
	ListIssues(ctx context.Context) ([]model.Issue, error)
	ListPersonas(ctx context.Context) ([]model.PersonaDefinition, error)
}

type Server struct {
	cfg     config.APICfg
	batch   *batch.Store
	results Results

	issueDefaults   config.IssueConfig
	personaDefaults config.PersonaConfig

	cache    *ristretto.Cache
	cacheTTL time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateCfg  rate.Limit
	burst    int

	router *mux.Router
}

func New(cfg config.APICfg, st *batch.Store, results Results, analysis config.AnalysisCfg) *Server {
	maxCost := int64(64 << 20)
	if cfg.CacheMaxSizeMB > 0 {
		maxCost = int64(cfg.CacheMaxSizeMB) << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		log.Warn().Err(err).Msg("response cache disabled")
	}
	ttl := 30 * time.Second
	if cfg.CacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.CacheTTLSeconds) * time.Second
	}
	perSec := rate.Limit(50)
	if cfg.RatePerSecond > 0 {
		perSec = rate.Limit(cfg.RatePerSecond)
	}
	burst := 100
	if cfg.RateBurst > 0 {
		burst = cfg.RateBurst
	}

	s := &Server{
		cfg:             cfg,
		batch:           st,
		results:         results,
		issueDefaults:   analysis.Issues,
		personaDefaults: analysis.Personas,
		cache:           cache,
		cacheTTL:        ttl,
		limiters:        map[string]*rate.Limiter{},
		rateCfg:         perSec,
		burst:           burst,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware, s.rateMiddleware)
	r.HandleFunc("/v1/events", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/issues/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/v1/issues/evidence", s.handleEvidence).Methods(http.MethodPost)
	r.HandleFunc("/v1/personas/derive", s.handleDerive).Methods(http.MethodPost)
	r.HandleFunc("/v1/issues", s.handleListIssues).Methods(http.MethodGet)
	r.HandleFunc("/v1/personas", s.handleListPersonas).Methods(http.MethodGet)
	return r
}

// Handler returns the fully wired HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Endpoint
	if addr == "" {
		addr = "0.0.0.0:9470"
	}
	readTO := 30 * time.Second
	if s.cfg.ReadTimeoutMS > 0 {
		readTO = time.Duration(s.cfg.ReadTimeoutMS) * time.Millisecond
	}
	writeTO := 30 * time.Second
	if s.cfg.WriteTimeoutMS > 0 {
		writeTO = time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", addr).Msg("analysis api listening")

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()
	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
		return nil
	case e := <-errCh:
		return e
	}
}

// ----------------------------- middleware -----------------------------

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("api request")
	})
}

func (s *Server) rateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(s.rateCfg, s.burst)
		s.limiters[ip] = lim
	}
	return lim
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ----------------------------- handlers -----------------------------

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	maxBody := int64(16 << 20)
	if s.cfg.MaxBodyBytes > 0 {
		maxBody = s.cfg.MaxBodyBytes
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	var events []model.Event
	if err := json.Unmarshal(body, &events); err != nil {
		// fall back to a single object
		var ev model.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		events = []model.Event{ev}
	}
	s.batch.Append(events...)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.runIssues(w, r, issue.Detect)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	s.runIssues(w, r, issue.DetectWithEvidence)
}

type detectFn func([]model.Event, config.IssueConfig, time.Time) ([]model.Issue, error)

func (s *Server) runIssues(w http.ResponseWriter, r *http.Request, detect detectFn) {
	cfg := s.issueDefaults
	if !decodeBody(w, r, &cfg) {
		return
	}
	key := cacheKey(r.URL.Path, cfg)
	if hit, ok := s.cacheGet(key); ok {
		writeRaw(w, http.StatusOK, hit)
		return
	}

	issues, err := detect(s.batch.Snapshot(), cfg, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	s.respondCached(w, key, map[string]any{"issues": issues})
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	cfg := s.personaDefaults
	if !decodeBody(w, r, &cfg) {
		return
	}
	key := cacheKey(r.URL.Path, cfg)
	if hit, ok := s.cacheGet(key); ok {
		writeRaw(w, http.StatusOK, hit)
		return
	}

	personas, err := persona.Derive(s.batch.Snapshot(), cfg, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if personas == nil {
		personas = []model.PersonaDefinition{}
	}
	s.respondCached(w, key, map[string]any{"personas": personas})
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	issues, err := s.results.ListIssues(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	personas, err := s.results.ListPersonas(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if personas == nil {
		personas = []model.PersonaDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": personas})
}

// ----------------------------- helpers -----------------------------

// decodeBody merges the request body over v; an empty body keeps defaults.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func cacheKey(path string, cfg any) string {
	b, _ := json.Marshal(cfg)
	sum := sha256.Sum256(append([]byte(path+"|"), b...))
	return hex.EncodeToString(sum[:])
}

func (s *Server) cacheGet(key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (s *Server) respondCached(w http.ResponseWriter, key string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.cache != nil {
		s.cache.SetWithTTL(key, b, int64(len(b)), s.cacheTTL)
	}
	writeRaw(w, http.StatusOK, b)
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
