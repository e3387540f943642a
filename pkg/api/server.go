package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/engine"
	"github.com/Mindburn-Labs/ztcore/pkg/events"
	"github.com/Mindburn-Labs/ztcore/pkg/ingest"
	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
	"github.com/Mindburn-Labs/ztcore/pkg/risk"
	"github.com/Mindburn-Labs/ztcore/pkg/segment"
	"github.com/Mindburn-Labs/ztcore/pkg/store"
)

const (
	maxBodyBytes = 1 << 20
	// maxStreamBytes bounds NDJSON uploads, which are decoded incrementally.
	maxStreamBytes = 64 << 20

	// AuditStatusHeader is set to "failed" when a result could not be
	// written to the ledger.
	AuditStatusHeader = "X-Audit-Status"
)

// Server routes HTTP requests to the engine.
type Server struct {
	engine  *engine.Engine
	decoder *events.Decoder
	metrics http.Handler
	limiter *RateLimiter
	logger  *slog.Logger
	checks  []healthCheck
}

type healthCheck struct {
	name  string
	check func() error
}

type Option func(*Server)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRateLimiter applies rl to every /v1 route.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithHealthCheck adds a named check to GET /healthz; a non-nil error
// reports the service as degraded.
func WithHealthCheck(name string, check func() error) Option {
	return func(s *Server) { s.checks = append(s.checks, healthCheck{name: name, check: check}) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(eng *engine.Engine, dec *events.Decoder, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		decoder: dec,
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/events", s.handleEvents)
	v1.HandleFunc("POST /v1/identities/{id}/assess", s.handleAssess)
	v1.HandleFunc("GET /v1/identities/{id}/assessment", s.handleLatest)
	v1.HandleFunc("GET /v1/access", s.handleAccess)
	v1.HandleFunc("GET /v1/segments", s.handleSegments)
	v1.HandleFunc("GET /v1/segments/accessible", s.handleAccessible)
	v1.HandleFunc("GET /v1/ledger/chain", s.handleChain)
	v1.HandleFunc("GET /v1/ledger/blocks/{index}", s.handleBlock)
	v1.HandleFunc("GET /v1/ledger/verify", s.handleVerify)
	v1.HandleFunc("POST /v1/ledger/transactions", s.handleRecord)
	v1.HandleFunc("POST /v1/ledger/flush", s.handleFlush)
	v1.HandleFunc("/v1/", notFound)

	var api http.Handler = v1
	if s.limiter != nil {
		api = s.limiter.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", api)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("/", notFound)
	return RequestID(AccessLog(s.logger)(mux))
}

func notFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no route for "+r.Method+" "+r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps engine, ledger and store errors onto problem
// documents.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidIdentity),
		errors.Is(err, engine.ErrInvalidResource),
		errors.Is(err, engine.ErrInvalidRecord),
		errors.Is(err, ledger.ErrInvalidPayload):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrLedgerHalted),
		errors.Is(err, ledger.ErrClosed),
		errors.Is(err, engine.ErrAudit):
		WriteServiceUnavailable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

type rejectedEvent struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted int             `json:"accepted"`
	Dropped  int             `json:"dropped"`
	Rejected []rejectedEvent `json:"rejected,omitempty"`
}

func isNDJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/x-ndjson" || mt == "application/ndjson"
}

// handleEvents accepts a JSON object, a JSON array, or an NDJSON stream.
// Individual malformed events are dropped and reported; the rest are
// stored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if isNDJSON(r.Header.Get("Content-Type")) {
		r.Body = http.MaxBytesReader(w, r.Body, maxStreamBytes)
		stats, err := ingest.ReadNDJSON(r.Context(), r.Body, s.decoder, ingest.DefaultBatchSize, s.engine.Ingest)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
				return
			}
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: stats.Accepted, Dropped: stats.Dropped})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
		return
	}
	evs, failed, err := s.decoder.DecodeBatch(data)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	resp := ingestResponse{Accepted: len(evs), Dropped: len(failed)}
	for i, ferr := range failed {
		resp.Rejected = append(resp.Rejected, rejectedEvent{Index: i, Error: ferr.Error()})
	}
	sort.Slice(resp.Rejected, func(a, b int) bool { return resp.Rejected[a].Index < resp.Rejected[b].Index })

	if len(evs) == 0 {
		WriteBadRequest(w, "no valid events: "+resp.Rejected[0].Error)
		return
	}
	if err := s.engine.Ingest(r.Context(), evs); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type assessRequest struct {
	AsOf string `json:"as_of"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	asOfRaw := r.URL.Query().Get("as_of")
	if r.ContentLength != 0 && asOfRaw == "" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req assessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, "Invalid request body")
			return
		}
		asOfRaw = req.AsOf
	}
	var asOf time.Time
	if asOfRaw != "" {
		ts, err := events.ParseTimestamp(asOfRaw)
		if err != nil {
			WriteBadRequest(w, fmt.Sprintf("invalid as_of: %v", err))
			return
		}
		asOf = ts
	}

	a, err := s.engine.Assess(r.Context(), r.PathValue("id"), asOf)
	if err != nil && !errors.Is(err, engine.ErrAudit) {
		writeEngineError(w, r, err)
		return
	}
	if err != nil {
		w.Header().Set(AuditStatusHeader, "failed")
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no assessment for identity")
			return
		}
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func parseScore(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("score must be an integer, got %q", raw)
	}
	if n < risk.MinScore || n > risk.MaxScore {
		return 0, fmt.Errorf("score must be within %d..%d, got %d", risk.MinScore, risk.MaxScore, n)
	}
	return n, nil
}

// handleAccess decides with ?identity=&resource= against the latest
// assessment (recorded), or with ?resource=&score= at an explicit score
// (not recorded).
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resource := q.Get("resource")
	if strings.TrimSpace(resource) == "" {
		WriteBadRequest(w, "resource is required")
		return
	}

	if identity := q.Get("identity"); identity != "" {
		v, err := s.engine.Authorize(r.Context(), identity, resource)
		if err != nil && !errors.Is(err, engine.ErrAudit) {
			writeEngineError(w, r, err)
			return
		}
		if err != nil {
			w.Header().Set(AuditStatusHeader, "failed")
		}
		writeJSON(w, http.StatusOK, v)
		return
	}

	if !q.Has("score") {
		WriteBadRequest(w, "identity or score is required")
		return
	}
	score, err := parseScore(q.Get("score"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Check(resource, score))
}

func (s *Server) handleSegments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]segment.Segment{"segments": s.engine.Segments().Segments()})
}

func (s *Server) handleAccessible(w http.ResponseWriter, r *http.Request) {
	score, err := parseScore(r.URL.Query().Get("score"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"score":     score,
		"resources": s.engine.AccessibleResources(score),
	})
}

type chainResponse struct {
	Length  int            `json:"length"`
	Pending int            `json:"pending"`
	Halted  string         `json:"halted,omitempty"`
	Chain   []ledger.Block `json:"chain"`
}

func (s *Server) requireLedger(w http.ResponseWriter) *ledger.Ledger {
	l := s.engine.Ledger()
	if l == nil {
		WriteServiceUnavailable(w, "ledger disabled")
	}
	return l
}

func (s *Server) handleChain(w http.ResponseWriter, _ *http.Request) {
	l := s.requireLedger(w)
	if l == nil {
		return
	}
	snap := l.Snapshot()
	resp := chainResponse{Length: len(snap.Chain), Pending: len(snap.Pending), Chain: snap.Chain}
	if err := l.Halted(); err != nil {
		resp.Halted = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	l := s.requireLedger(w)
	if l == nil {
		return
	}
	idx, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "block index must be a non-negative integer")
		return
	}
	b, ok := l.Block(idx)
	if !ok {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", fmt.Sprintf("block %d does not exist", idx))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	l := s.requireLedger(w)
	if l == nil {
		return
	}
	res := l.VerifyChain(r.Context())
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var payload map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	tx, err := s.engine.Record(r.Context(), payload)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	l := s.requireLedger(w)
	if l == nil {
		return
	}
	blocks, err := l.Flush(r.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrProofBudgetExceeded) {
			WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
			return
		}
		writeEngineError(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []ledger.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sealed": blocks})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if l := s.engine.Ledger(); l != nil {
		if err := l.Halted(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "reason": err.Error()})
			return
		}
	}
	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.check(); err != nil {
			failed[c.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
