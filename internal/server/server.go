// Package server exposes the operator HTTP/JSON surface. Every route is
// scoped under /v1/projects/{projectID}; handlers translate wire shapes to
// engine, governance, and guardian calls and map domain errors to a typed
// error envelope.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/backpressure"
	"github.com/relaygate/relaygate/internal/engine"
	"github.com/relaygate/relaygate/internal/governance"
	"github.com/relaygate/relaygate/internal/guardian"
	"github.com/relaygate/relaygate/internal/health"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/reliability"
	"github.com/relaygate/relaygate/internal/store"
)

// Options wires the handler to the running subsystems. Validator and Pool
// are optional; without a validator the surface is unauthenticated.
type Options struct {
	Engine     *engine.Engine
	Store      store.Store
	Scorer     *reliability.Scorer
	Guardian   *guardian.Loop
	Governance *governance.Workflow
	Validator  *auth.JWTValidator
	Pool       *pgxpool.Pool
	Logger     *logging.Logger
}

type server struct {
	engine     *engine.Engine
	store      store.Store
	scorer     *reliability.Scorer
	guardian   *guardian.Loop
	governance *governance.Workflow
	logger     *logging.Logger
}

// New returns the operator API handler.
func New(opts Options) http.Handler {
	s := &server{
		engine:     opts.Engine,
		store:      opts.Store,
		scorer:     opts.Scorer,
		guardian:   opts.Guardian,
		governance: opts.Governance,
		logger:     opts.Logger,
	}
	if s.logger == nil {
		s.logger = logging.New("relaygate-api")
	}

	r := chi.NewRouter()
	r.Use(s.requestLogger)
	if opts.Validator != nil {
		r.Use(opts.Validator.HTTPMiddleware)
	}

	r.Get("/healthz", health.HTTPHandler(opts.Pool))
	r.Get("/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/projects/{projectID}", func(r chi.Router) {
		r.Post("/deliveries", s.enqueue)
		r.Get("/deliveries/summary", s.summary)
		r.Post("/deliveries/process", s.process)
		r.Post("/deliveries/redrive-batch", s.redriveBatch)
		r.Get("/deliveries/{deliveryID}", s.getDelivery)
		r.Post("/deliveries/{deliveryID}/redrive", s.redrive)

		r.Get("/reliability", s.reliability)

		r.Get("/backpressure-policy", s.getPolicy)
		r.Put("/backpressure-policy", s.putPolicy)

		r.Get("/backpressure-draft", s.getDraft)
		r.Put("/backpressure-draft", s.proposeDraft)
		r.Post("/backpressure-draft/approve", s.approveDraft)
		r.Post("/backpressure-draft/apply", s.applyDraft)
		r.Delete("/backpressure-draft", s.discardDraft)

		r.Get("/guardian-policy", s.getGuardianPolicy)
		r.Put("/guardian-policy", s.putGuardianPolicy)
		r.Post("/guardian/tick", s.guardianTick)
	})

	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// handleError maps domain errors to HTTP status and error codes.
func (s *server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrUnknownConnectorType),
		errors.Is(err, engine.ErrInvalidConfig),
		errors.Is(err, engine.ErrPayloadRequired),
		errors.Is(err, engine.ErrPayloadTooLarge):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, governance.ErrActorRequired):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, engine.ErrNotRedrivable):
		writeError(w, http.StatusConflict, "not_redrivable", err.Error())
	case governance.BlockingReason(err) != "":
		writeError(w, http.StatusConflict, governance.BlockingReason(err), err.Error())
	default:
		s.logger.Plain().WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func projectID(r *http.Request) string {
	return chi.URLParam(r, "projectID")
}

type enqueueRequest struct {
	ConnectorType  string         `json:"connector_type"`
	Payload        map[string]any `json:"payload"`
	Config         map[string]any `json:"config,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.Enqueue(r.Context(), engine.EnqueueInput{
		ProjectID:      projectID(r),
		ConnectorType:  req.ConnectorType,
		Payload:        req.Payload,
		Config:         req.Config,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDelivery(r.Context(), projectID(r), chi.URLParam(r, "deliveryID"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type processRequest struct {
	ConnectorType  string                        `json:"connector_type,omitempty"`
	Limit          int                           `json:"limit,omitempty"`
	IgnoreSchedule bool                          `json:"ignore_schedule,omitempty"`
	Override       *backpressure.RequestOverride `json:"backpressure_override,omitempty"`
}

func (s *server) process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.ProcessQueue(r.Context(), engine.ProcessInput{
		ProjectID:      projectID(r),
		ConnectorType:  req.ConnectorType,
		Limit:          req.Limit,
		IgnoreSchedule: req.IgnoreSchedule,
		Override:       req.Override,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type redriveRequest struct {
	MinDeadLetterMinutes int `json:"min_dead_letter_minutes,omitempty"`
}

func (s *server) redrive(w http.ResponseWriter, r *http.Request) {
	var req redriveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.engine.Redrive(r.Context(), projectID(r), chi.URLParam(r, "deliveryID"), req.MinDeadLetterMinutes)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type redriveBatchRequest struct {
	ConnectorType        string `json:"connector_type,omitempty"`
	Limit                int    `json:"limit,omitempty"`
	MinDeadLetterMinutes int    `json:"min_dead_letter_minutes,omitempty"`
}

type redriveBatchResponse struct {
	Redriven   int               `json:"redriven"`
	Deliveries []*store.Delivery `json:"deliveries,omitempty"`
}

func (s *server) redriveBatch(w http.ResponseWriter, r *http.Request) {
	var req redriveBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	redriven, err := s.engine.RedriveBatch(r.Context(), engine.RedriveBatchInput{
		ProjectID:            projectID(r),
		ConnectorType:        req.ConnectorType,
		Limit:                req.Limit,
		MinDeadLetterMinutes: req.MinDeadLetterMinutes,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redriveBatchResponse{Redriven: len(redriven), Deliveries: redriven})
}

func (s *server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summarize(r.Context(), projectID(r), r.URL.Query().Get("connector_type"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) reliability(w http.ResponseWriter, r *http.Request) {
	lookback := 24 * time.Hour
	if raw := r.URL.Query().Get("lookback_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "lookback_hours must be a positive integer")
			return
		}
		lookback = time.Duration(hours) * time.Hour
	}

	if connectorType := r.URL.Query().Get("connector_type"); connectorType != "" {
		snap, err := s.scorer.Score(r.Context(), projectID(r), connectorType, lookback)
		if err != nil {
			s.handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	snaps, err := s.scorer.ScoreAll(r.Context(), projectID(r), lookback)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetBackpressurePolicy(r.Context(), projectID(r))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var req store.BackpressurePolicy
	if !decodeBody(w, r, &req) {
		return
	}
	req.ProjectID = projectID(r)
	p, err := s.governance.SetPolicy(r.Context(), &req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type draftResponse struct {
	Draft     *store.BackpressurePolicyDraft `json:"draft"`
	Readiness governance.Readiness           `json:"readiness"`
}

func (s *server) getDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDraft(r.Context(), projectID(r))
	if err != nil {
		s.handleError(w, err)
		return
	}
	// ?actor= previews the readiness as if that actor approved now.
	writeJSON(w, http.StatusOK, draftResponse{
		Draft:     d,
		Readiness: governance.Preview(d, r.URL.Query().Get("actor"), time.Now()),
	})
}

type proposeDraftRequest struct {
	IsEnabled          bool                                `json:"is_enabled"`
	MaxRetrying        int                                 `json:"max_retrying"`
	MaxDueNow          int                                 `json:"max_due_now"`
	MinLimit           int                                 `json:"min_limit"`
	ConnectorOverrides map[string]store.BackpressureLimits `json:"connector_overrides,omitempty"`
	RequiredApprovals  int                                 `json:"required_approvals,omitempty"`
	ActivateAt         *time.Time                          `json:"activate_at,omitempty"`
}

func (s *server) proposeDraft(w http.ResponseWriter, r *http.Request) {
	var req proposeDraftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.governance.Propose(r.Context(), governance.ProposeInput{
		ProjectID:          projectID(r),
		IsEnabled:          req.IsEnabled,
		MaxRetrying:        req.MaxRetrying,
		MaxDueNow:          req.MaxDueNow,
		MinLimit:           req.MinLimit,
		ConnectorOverrides: req.ConnectorOverrides,
		RequiredApprovals:  req.RequiredApprovals,
		ActivateAt:         req.ActivateAt,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftResponse{Draft: d, Readiness: governance.Preview(d, "", time.Now())})
}

type approveDraftRequest struct {
	Actor string `json:"actor"`
}

func (s *server) approveDraft(w http.ResponseWriter, r *http.Request) {
	var req approveDraftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, readiness, err := s.governance.Approve(r.Context(), projectID(r), req.Actor)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftResponse{Draft: d, Readiness: readiness})
}

func (s *server) applyDraft(w http.ResponseWriter, r *http.Request) {
	p, err := s.governance.Apply(r.Context(), projectID(r))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) discardDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.governance.Discard(r.Context(), projectID(r)); err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (s *server) getGuardianPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetGuardianPolicy(r.Context(), projectID(r))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) putGuardianPolicy(w http.ResponseWriter, r *http.Request) {
	var req store.GuardianPolicy
	if !decodeBody(w, r, &req) {
		return
	}
	req.ProjectID = projectID(r)
	p, err := s.governance.SetGuardianPolicy(r.Context(), &req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) guardianTick(w http.ResponseWriter, r *http.Request) {
	result, err := s.guardian.TickProject(r.Context(), projectID(r))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
