// Package httpapi exposes the gateway's REST surface.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/members"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/refunds"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/requests"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/resolver"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/internal/middleware"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Handler serves the gateway REST API.
type Handler struct {
	members  *members.Service
	requests *requests.Service
	refunds  *refunds.Service
	resolver *resolver.Service
	bus      *events.Bus
	metrics  *metrics.Metrics
	log      *logger.Logger

	ownerAuth  func(http.Handler) http.Handler
	oracleAuth func(http.Handler) http.Handler
	rateLimit  func(http.Handler) http.Handler
}

// Config bundles the handler dependencies.
type Config struct {
	Members     *members.Service
	Requests    *requests.Service
	Refunds     *refunds.Service
	Resolver    *resolver.Service
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	JWTSecret   string
	TrustedKeys []string
	RateLimiter *middleware.RateLimiter
}

// New creates a Handler.
func New(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	rateLimit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimiter != nil {
		rateLimit = cfg.RateLimiter.Middleware
	}

	return &Handler{
		members:    cfg.Members,
		requests:   cfg.Requests,
		refunds:    cfg.Refunds,
		resolver:   cfg.Resolver,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		log:        log,
		ownerAuth:  middleware.OwnerAuth(cfg.JWTSecret),
		oracleAuth: middleware.OracleAuth(cfg.TrustedKeys),
		rateLimit:  rateLimit,
	}
}

// Router builds the full route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.MiddlewareFunc(h.rateLimit))

	// Oracle surface.
	api.Handle("/callback", h.oracleAuth(http.HandlerFunc(h.handleCallback))).Methods(http.MethodPost)

	// Event surface.
	api.HandleFunc("/events", h.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", h.handleEventsWS).Methods(http.MethodGet)

	// Owner surface.
	owner := api.NewRoute().Subrouter()
	owner.Use(mux.MiddlewareFunc(h.ownerAuth))
	owner.HandleFunc("/members", h.handleRegisterMember).Methods(http.MethodPost)
	owner.HandleFunc("/members/{id}", h.handleGetMember).Methods(http.MethodGet)
	owner.HandleFunc("/members/{id}/ciphertext", h.handleUpdateCiphertext).Methods(http.MethodPut)
	owner.HandleFunc("/members/{id}/timeout", h.handleMemberTimeout).Methods(http.MethodGet)
	owner.HandleFunc("/members/{id}/requests", h.handleSubmitRequest).Methods(http.MethodPost)
	owner.HandleFunc("/members/{id}/refunds", h.handleManualRefund).Methods(http.MethodPost)
	owner.HandleFunc("/requests", h.handleListRequests).Methods(http.MethodGet)
	owner.HandleFunc("/requests/{id}", h.handleGetRequest).Methods(http.MethodGet)
	owner.HandleFunc("/requests/{id}/timeout", h.handleRequestTimeout).Methods(http.MethodGet)
	owner.HandleFunc("/requests/{id}/claim-timeout", h.handleClaimTimeout).Methods(http.MethodPost)
	owner.HandleFunc("/refunds", h.handleListRefunds).Methods(http.MethodGet)
	owner.HandleFunc("/refunds/{id}/claim", h.handleClaimRefund).Methods(http.MethodPost)

	if h.metrics != nil {
		r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
			tpl, err := route.GetPathTemplate()
			if err != nil {
				return nil
			}
			if handler := route.GetHandler(); handler != nil {
				route.Handler(h.metrics.InstrumentHandler(tpl, handler))
			}
			return nil
		})
	}
	return r
}

// --- payloads ----------------------------------------------------------------

type registerMemberRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type updateCiphertextRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type submitRequestRequest struct {
	Ciphertext string `json:"ciphertext,omitempty"`
}

type callbackRequest struct {
	RequestID int64  `json:"request_id"`
	Success   bool   `json:"success"`
	Plaintext string `json:"plaintext,omitempty"`
}

type manualRefundRequest struct {
	Reason string `json:"reason,omitempty"`
}

type memberResponse struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Level        int64     `json:"level"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type requestResponse struct {
	ID          int64      `json:"id"`
	MemberID    string     `json:"member_id"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type refundResponse struct {
	ID        string     `json:"id"`
	Recipient string     `json:"recipient"`
	Amount    int64      `json:"amount"`
	Kind      string     `json:"kind"`
	RequestID int64      `json:"request_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Claimed   bool       `json:"claimed"`
	CreatedAt time.Time  `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

type timeoutResponse struct {
	TimedOut bool `json:"timed_out"`
}

func toMemberResponse(m member.Member) memberResponse {
	return memberResponse{
		ID:           m.ID,
		Owner:        m.Owner,
		Level:        m.Level,
		RegisteredAt: m.RegisteredAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toRequestResponse(req request.Request) requestResponse {
	out := requestResponse{
		ID:          req.ID,
		MemberID:    req.MemberID,
		Status:      string(req.Status),
		SubmittedAt: req.SubmittedAt,
	}
	if len(req.Result) > 0 {
		out.Result = base64.StdEncoding.EncodeToString(req.Result)
	}
	if !req.ResolvedAt.IsZero() {
		t := req.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func toRefundResponse(rec refund.Record) refundResponse {
	out := refundResponse{
		ID:        rec.ID,
		Recipient: rec.Recipient,
		Amount:    rec.Amount,
		Kind:      string(rec.Kind),
		RequestID: rec.RequestID,
		Reason:    rec.Reason,
		Claimed:   rec.Claimed,
		CreatedAt: rec.CreatedAt,
	}
	if !rec.ClaimedAt.IsZero() {
		t := rec.ClaimedAt
		out.ClaimedAt = &t
	}
	return out
}

// --- handlers ----------------------------------------------------------------

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var body registerMemberRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("ciphertext must be base64"))
		return
	}

	m, err := h.members.Register(r.Context(), middleware.Owner(r), ciphertext)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toMemberResponse(m))
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.members.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMemberResponse(m))
}

func (h *Handler) handleUpdateCiphertext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	m, err := h.members.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if m.Owner != middleware.Owner(r) {
		h.writeError(w, http.StatusForbidden, errors.New("caller does not own member"))
		return
	}

	var body updateCiphertextRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("ciphertext must be base64"))
		return
	}

	m, err = h.members.UpdateCiphertext(r.Context(), id, ciphertext)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMemberResponse(m))
}

func (h *Handler) handleMemberTimeout(w http.ResponseWriter, r *http.Request) {
	timedOut, err := h.members.IsTimedOut(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, timeoutResponse{TimedOut: timedOut})
}

func (h *Handler) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	// The body is optional: without one the member's stored ciphertext is
	// submitted.
	var body submitRequestRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var ciphertext []byte
	if body.Ciphertext != "" {
		decoded, err := base64.StdEncoding.DecodeString(body.Ciphertext)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.New("ciphertext must be base64"))
			return
		}
		ciphertext = decoded
	}

	req, err := h.requests.Submit(r.Context(), middleware.Owner(r), mux.Vars(r)["id"], ciphertext)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.requests.List(r.Context(), r.URL.Query().Get("member_id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]requestResponse, 0, len(list))
	for _, req := range list {
		out = append(out, toRequestResponse(req))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) handleRequestTimeout(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	timedOut, err := h.requests.IsTimedOut(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, timeoutResponse{TimedOut: timedOut})
}

func (h *Handler) handleClaimTimeout(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.resolver.ClaimTimeout(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	var body callbackRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var plaintext []byte
	if body.Plaintext != "" {
		decoded, err := base64.StdEncoding.DecodeString(body.Plaintext)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.New("plaintext must be base64"))
			return
		}
		plaintext = decoded
	}

	req, err := h.resolver.Resolve(r.Context(), middleware.OracleCaller(r), body.RequestID, plaintext, body.Success)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) handleManualRefund(w http.ResponseWriter, r *http.Request) {
	var body manualRefundRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.resolver.RequestManualRefund(r.Context(), middleware.Owner(r), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRefundResponse(rec))
}

func (h *Handler) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	owner := middleware.Owner(r)

	var (
		list []refund.Record
		err  error
	)
	if r.URL.Query().Get("unclaimed") == "true" {
		list, err = h.refunds.ListUnclaimed(r.Context(), owner)
	} else {
		list, err = h.refunds.List(r.Context(), owner)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]refundResponse, 0, len(list))
	for _, rec := range list {
		out = append(out, toRefundResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	rec, err := h.refunds.Claim(r.Context(), mux.Vars(r)["id"], middleware.Owner(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRefundResponse(rec))
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	h.writeJSON(w, http.StatusOK, h.bus.Recent(limit))
}

// --- helpers -----------------------------------------------------------------

var errEmptyBody = errors.New("empty request body")

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func requestID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("request id must be a positive integer")
	}
	return id, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.WithError(err).Error("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeServiceError maps the service sentinels to HTTP statuses. Every
// precondition rejection is deterministic and safe to surface verbatim.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, requests.ErrNoCiphertext):
		h.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, storage.ErrAlreadyResolved),
		errors.Is(err, storage.ErrAlreadyClaimed),
		errors.Is(err, storage.ErrNotExpired),
		errors.Is(err, resolver.ErrNotYetTimedOut):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrNotRecipient),
		errors.Is(err, requests.ErrUnauthorized),
		errors.Is(err, resolver.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, resolver.ErrUntrustedCaller):
		h.writeError(w, http.StatusUnauthorized, err)
	default:
		h.log.WithError(err).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
