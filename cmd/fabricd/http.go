package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/config"
	"goa.design/acf/runtime/fabric/gateway"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	"goa.design/acf/runtime/fabric/telemetry"
)

// Admin transfers take the session lock like any other writer; they wait a
// short bounded time rather than the workflow acquire timeout so a busy
// session answers 409 quickly.
const (
	transferLeaseTTL     = 10 * time.Second
	transferBlockTimeout = 2 * time.Second
)

// handleHTTPServer mounts the ingress, admin, and health endpoints on a goa
// muxer and starts the HTTP server. The server drains for
// server.shutdown_grace once ctx is canceled.
func handleHTTPServer(ctx context.Context, cfg *config.Config, d *daemon, wg *sync.WaitGroup, errc chan error, dbg bool) {
	// Build the request multiplexer and mount debug and profiler endpoints
	// in debug mode.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			// Mount pprof handlers for memory profiling under /debug/pprof.
			debug.MountPprofHandlers(debug.Adapt(mux))
			// Mount /debug endpoint to enable or disable debug logs at
			// runtime.
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}

	a := &api{
		gateway:  d.gateway,
		sessions: d.sessions,
		mutex:    d.mutex,
		logger:   d.logger,
		mux:      mux,
		dec:      goahttp.RequestDecoder,
		enc:      goahttp.ResponseEncoder,
	}
	mux.Handle("POST", "/v1/messages", a.handleMessage)
	mux.Handle("POST", "/admin/sessions/{key}/force-release", a.handleForceRelease)
	mux.Handle("POST", "/admin/sessions/{key}/transfer", a.handleTransfer)
	mux.Handle("GET", "/admin/sessions", a.handleListSessions)

	check := health.Handler(health.NewChecker(d.pingers...))
	mux.Handle("GET", "/healthz", check)
	mux.Handle("GET", "/livez", check)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.Server.HTTPAddr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.Server.HTTPAddr)

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration())
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}

type (
	// api bundles the collaborators the HTTP handlers touch.
	api struct {
		gateway  *gateway.Gateway
		sessions *session.Store
		mutex    lock.Mutex
		logger   telemetry.Logger
		mux      goahttp.Muxer
		dec      func(*http.Request) goahttp.Decoder
		enc      func(context.Context, http.ResponseWriter) goahttp.Encoder
	}

	// messageRequest is the JSON body channel adapters post to
	// /v1/messages. The idempotency key may ride the body or the
	// Idempotency-Key header; the body wins when both are set.
	messageRequest struct {
		MessageID      string            `json:"message_id"`
		TenantID       string            `json:"tenant_id"`
		AgentID        string            `json:"agent_id"`
		InterlocutorID string            `json:"interlocutor_id"`
		Channel        string            `json:"channel"`
		UserChannelID  string            `json:"user_channel_id,omitempty"`
		Content        string            `json:"content"`
		At             time.Time         `json:"at"`
		Attrs          map[string]string `json:"attrs,omitempty"`
		IdempotencyKey string            `json:"idempotency_key,omitempty"`
	}

	// ackResponse mirrors gateway.Ack on the wire.
	ackResponse struct {
		Kind            string            `json:"kind"`
		TurnID          string            `json:"turn_id,omitempty"`
		EstimatedWaitMS int64             `json:"estimated_wait_ms,omitempty"`
		Deferred        bool              `json:"deferred,omitempty"`
		Reason          string            `json:"reason,omitempty"`
		Envelope        *envelopeResponse `json:"envelope,omitempty"`
	}

	// envelopeResponse is the committed response replayed to duplicate
	// messages.
	envelopeResponse struct {
		TurnID      string           `json:"turn_id"`
		TurnGroupID string           `json:"turn_group_id"`
		Segments    []string         `json:"segments"`
		Events      []outbound.Event `json:"events,omitempty"`
	}

	forceReleaseRequest struct {
		Reason      string `json:"reason,omitempty"`
		RequestedBy string `json:"requested_by,omitempty"`
	}

	transferRequest struct {
		ToAgent        string `json:"to_agent"`
		ContextSummary string `json:"context_summary,omitempty"`
	}

	transferResponse struct {
		SessionKey string `json:"session_key"`
		Status     string `json:"status"`
	}

	// sessionSummary is the admin listing row.
	sessionSummary struct {
		SessionKey     string    `json:"session_key"`
		Status         string    `json:"status"`
		AgentID        string    `json:"agent_id"`
		InterlocutorID string    `json:"interlocutor_id"`
		Channel        string    `json:"channel"`
		ScenarioID     string    `json:"active_scenario_id,omitempty"`
		StepID         string    `json:"active_step_id,omitempty"`
		StepHash       string    `json:"step_hash,omitempty"`
		TurnCount      int       `json:"turn_count"`
		LastActivityAt time.Time `json:"last_activity_at"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// handleMessage is the ingress endpoint: one inbound message in, one of the
// four ack kinds out. Accepted and queued answer 202, deduplicated replays
// answer 200, rejections answer 429.
func (a *api) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := a.dec(r).Decode(&req); err != nil {
		a.respondError(w, r, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}
	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = r.Header.Get("Idempotency-Key")
	}

	ack, err := a.gateway.Handle(r.Context(), &gateway.InboundMessage{
		MessageID:      req.MessageID,
		TenantID:       req.TenantID,
		AgentID:        req.AgentID,
		InterlocutorID: req.InterlocutorID,
		Channel:        req.Channel,
		UserChannelID:  req.UserChannelID,
		Content:        req.Content,
		At:             req.At,
		Attrs:          req.Attrs,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrInvalidMessage) {
			status = http.StatusBadRequest
		}
		a.respondError(w, r, status, err)
		return
	}
	a.respond(w, r, ackStatus(ack.Kind), newAckResponse(ack))
}

// handleForceRelease signals the session's running turn workflow to stop and
// free the session lock. The call is idempotent: sessions with nothing
// running answer 202 as well.
func (a *api) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	key, ok := a.sessionKey(w, r)
	if !ok {
		return
	}
	var req forceReleaseRequest
	if err := a.dec(r).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.respondError(w, r, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := a.gateway.ForceRelease(r.Context(), key, req.Reason, req.RequestedBy); err != nil {
		a.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleTransfer moves the conversation to another agent: the source session
// closes, the target starts fresh under the new key with the interlocutor's
// profile carried over. Busy sessions (lock held by a running turn) answer
// 409 so the operator can retry or force-release first.
func (a *api) handleTransfer(w http.ResponseWriter, r *http.Request) {
	key, ok := a.sessionKey(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := a.dec(r).Decode(&req); err != nil {
		a.respondError(w, r, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.ToAgent == "" {
		a.respondError(w, r, http.StatusBadRequest, errors.New("to_agent is required"))
		return
	}

	lease, err := a.mutex.Acquire(r.Context(), key, lock.AcquireOptions{
		LeaseTTL:     transferLeaseTTL,
		BlockTimeout: transferBlockTimeout,
	})
	if err != nil {
		a.respondError(w, r, http.StatusConflict, fmt.Errorf("session busy: %w", err))
		return
	}
	defer func() {
		if rerr := lease.Release(r.Context()); rerr != nil {
			a.logger.Warn(r.Context(), "transfer lease release", "session", string(key), "err", rerr)
		}
	}()

	dst, err := a.sessions.Transfer(r.Context(), key, fabric.AgentID(req.ToAgent), req.ContextSummary, lease.Token())
	switch {
	case errors.Is(err, session.ErrNotFound):
		a.respondError(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, session.ErrTransferConflict):
		a.respondError(w, r, http.StatusConflict, err)
		return
	case err != nil:
		a.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	a.respond(w, r, http.StatusOK, &transferResponse{
		SessionKey: string(dst.Key),
		Status:     string(dst.Status),
	})
}

// handleListSessions serves the admin queries: sessions by agent, by
// interlocutor, or by scenario-step hash (migration tooling), always scoped
// to one tenant.
func (a *api) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := fabric.TenantID(q.Get("tenant"))
	agent := q.Get("agent")
	interlocutor := q.Get("interlocutor")
	stepHash := q.Get("step_hash")

	var (
		sessions []*session.Session
		err      error
	)
	switch {
	case tenant == "":
		a.respondError(w, r, http.StatusBadRequest, errors.New("tenant is required"))
		return
	case agent != "":
		sessions, err = a.sessions.ListByAgent(r.Context(), tenant, fabric.AgentID(agent))
	case interlocutor != "":
		sessions, err = a.sessions.ListByInterlocutor(r.Context(), tenant, fabric.InterlocutorID(interlocutor))
	case stepHash != "":
		sessions, err = a.sessions.FindByStepHash(r.Context(), tenant, stepHash)
	default:
		a.respondError(w, r, http.StatusBadRequest, errors.New("one of agent, interlocutor or step_hash is required"))
		return
	}
	if err != nil {
		a.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	out := make([]*sessionSummary, len(sessions))
	for i, s := range sessions {
		out[i] = newSessionSummary(s)
	}
	a.respond(w, r, http.StatusOK, out)
}

// sessionKey extracts and validates the {key} path parameter. It writes the
// 400 itself so handlers read as a straight line.
func (a *api) sessionKey(w http.ResponseWriter, r *http.Request) (fabric.SessionKey, bool) {
	key := fabric.SessionKey(a.mux.Vars(r)["key"])
	if _, _, _, _, err := key.Parse(); err != nil {
		a.respondError(w, r, http.StatusBadRequest, err)
		return "", false
	}
	return key, true
}

func (a *api) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	enc := a.enc(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(body); err != nil {
		a.logger.Error(r.Context(), "encode response", "path", r.URL.Path, "err", err)
	}
}

func (a *api) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	a.logger.Warn(r.Context(), "request failed",
		"path", r.URL.Path, "status", status, "err", err)
	a.respond(w, r, status, &errorResponse{Error: err.Error()})
}

func ackStatus(kind gateway.AckKind) int {
	switch kind {
	case gateway.AckAccepted, gateway.AckQueued:
		return http.StatusAccepted
	case gateway.AckRejected:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

func newAckResponse(ack *gateway.Ack) *ackResponse {
	resp := &ackResponse{
		Kind:            string(ack.Kind),
		TurnID:          string(ack.TurnID),
		EstimatedWaitMS: ack.EstimatedWait.Milliseconds(),
		Deferred:        ack.Deferred,
		Reason:          ack.Reason,
	}
	if ack.Envelope != nil {
		resp.Envelope = &envelopeResponse{
			TurnID:      string(ack.Envelope.TurnID),
			TurnGroupID: string(ack.Envelope.TurnGroupID),
			Segments:    ack.Envelope.Segments,
			Events:      ack.Envelope.Events,
		}
	}
	return resp
}

func newSessionSummary(s *session.Session) *sessionSummary {
	return &sessionSummary{
		SessionKey:     string(s.Key),
		Status:         string(s.Status),
		AgentID:        string(s.AgentID),
		InterlocutorID: string(s.InterlocutorID),
		Channel:        string(s.Channel),
		ScenarioID:     s.ActiveScenarioID,
		StepID:         s.ActiveStepID,
		StepHash:       s.StepHash(),
		TurnCount:      s.TurnCount,
		LastActivityAt: s.LastActivityAt,
	}
}
