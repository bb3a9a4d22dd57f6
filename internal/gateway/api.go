// ABOUTME: HTTP API handlers for sending, conversing, history, and limits
// ABOUTME: JSON request/response types with machine-readable error codes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/correlate"
	"github.com/2389/relay-gateway/internal/limiter"
	"github.com/2389/relay-gateway/internal/store"
)

// SendMessageRequest is the JSON request body for POST /api/send and
// POST /api/converse.
type SendMessageRequest struct {
	Tenant      string `json:"tenant"`
	Workflow    string `json:"workflow"`
	Participant string `json:"participant"`
	Scope       string `json:"scope,omitempty"`
	Type        string `json:"type,omitempty"`
	Payload     string `json:"payload"`
	Units       int64  `json:"units,omitempty"`

	// RequestID is the caller-supplied correlation key. Converse generates
	// one when absent; reusing an ID while its waiter is pending is rejected.
	RequestID string `json:"request_id,omitempty"`

	// TimeoutSeconds bounds the converse wait; ignored by /api/send.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// MessageResponse is the JSON shape of one message.
type MessageResponse struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Tenant      string `json:"tenant"`
	Workflow    string `json:"workflow"`
	Participant string `json:"participant"`
	Scope       string `json:"scope,omitempty"`
	Direction   string `json:"direction"`
	Type        string `json:"type"`
	Payload     string `json:"payload"`
	RequestID   string `json:"request_id,omitempty"`
	Delivery    string `json:"delivery"`
	CreatedAt   string `json:"created_at"`
}

// SendResponse is the JSON response for POST /api/send.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	Delivery  string `json:"delivery"`
}

// ConverseResponse is the JSON response for POST /api/converse. Replies is
// empty (never null) when the engine did not answer within the timeout.
type ConverseResponse struct {
	MessageID string            `json:"message_id"`
	Replies   []MessageResponse `json:"replies"`
}

// HistoryResponse is the JSON response for GET /api/history.
type HistoryResponse struct {
	Messages []MessageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// UsageResponse is the JSON response for GET /api/usage.
type UsageResponse struct {
	Enabled     bool   `json:"enabled"`
	MaxUnits    int64  `json:"max_units,omitempty"`
	Used        int64  `json:"used,omitempty"`
	Remaining   int64  `json:"remaining,omitempty"`
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	Exceeded    bool   `json:"exceeded"`
}

// LimitRequest is the JSON request body for PUT /api/limits.
type LimitRequest struct {
	User          string `json:"user,omitempty"`
	MaxUnits      int64  `json:"max_units"`
	WindowSeconds int64  `json:"window_seconds"`
	Enabled       bool   `json:"enabled"`
	EffectiveFrom string `json:"effective_from,omitempty"`
}

// LimitResponse is the JSON shape of one usage limit.
type LimitResponse struct {
	Tenant        string `json:"tenant"`
	User          string `json:"user,omitempty"`
	MaxUnits      int64  `json:"max_units"`
	WindowSeconds int64  `json:"window_seconds"`
	Enabled       bool   `json:"enabled"`
	EffectiveFrom string `json:"effective_from"`
	UpdatedAt     string `json:"updated_at"`
}

// handleSend handles POST /api/send: accept the message, signal the
// engine, and acknowledge without waiting for a reply.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !auth.RequireTenant(w, r, req.Tenant) {
		return
	}

	msg, err := g.service.Send(r.Context(), auth.MustFromContext(r.Context()).User, toSendRequest(req))
	if err != nil && msg == nil {
		g.writeServiceError(w, err)
		return
	}
	if err != nil {
		// Persisted but the engine never heard about it.
		g.sendError(w, http.StatusBadGateway, "engine_unavailable", "message stored but not delivered: "+msg.ID)
		return
	}

	g.writeJSON(w, http.StatusAccepted, SendResponse{
		MessageID: msg.ID,
		Seq:       msg.Seq,
		Delivery:  string(msg.Delivery),
	})
}

// handleConverse handles POST /api/converse: accept the message and block
// until the correlated reply arrives or the timeout passes. A timeout is a
// 200 with an empty reply list, since the engine may still answer later.
func (g *Gateway) handleConverse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !auth.RequireTenant(w, r, req.Tenant) {
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	msg, replies, err := g.service.Converse(r.Context(), auth.MustFromContext(r.Context()).User, toSendRequest(req), timeout)
	if err != nil && msg == nil {
		g.writeServiceError(w, err)
		return
	}
	if err != nil {
		g.sendError(w, http.StatusBadGateway, "engine_unavailable", "message stored but not delivered: "+msg.ID)
		return
	}

	resp := ConverseResponse{
		MessageID: msg.ID,
		Replies:   make([]MessageResponse, 0, len(replies)),
	}
	for _, reply := range replies {
		resp.Replies = append(resp.Replies, toMessageResponse(reply))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /api/history requests.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key, ok := g.threadKeyFromQuery(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if page < 1 || pageSize < 1 {
		g.sendError(w, http.StatusBadRequest, "invalid_request", "page and page_size must be positive")
		return
	}

	result, err := g.service.History(r.Context(), key, page, pageSize)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	resp := HistoryResponse{
		Messages: make([]MessageResponse, 0, len(result.Messages)),
		HasMore:  result.HasMore,
	}
	for _, msg := range result.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(msg))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleUsage handles GET /api/usage requests for the caller's own window.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := auth.MustFromContext(r.Context())
	user := r.URL.Query().Get("user")
	if user == "" {
		user = id.User
	}

	status, err := g.service.Usage(r.Context(), id.Tenant, user)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toUsageResponse(status))
}

// handleLimits routes limit requests by HTTP method.
func (g *Gateway) handleLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleGetLimits(w, r)
	case http.MethodPut:
		g.handlePutLimit(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleGetLimits handles GET /api/limits. With ?user=X it returns that
// user's limit; otherwise it lists every limit in the caller's tenant.
func (g *Gateway) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if user, explicit := queryUser(r); explicit {
		limit, err := g.service.GetLimit(r.Context(), id.Tenant, user)
		if errors.Is(err, store.ErrNotFound) {
			g.sendError(w, http.StatusNotFound, "not_found", "no limit configured")
			return
		}
		if err != nil {
			g.writeServiceError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, toLimitResponse(limit))
		return
	}

	limits, err := g.service.ListLimits(r.Context(), id.Tenant)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	resp := make([]LimitResponse, 0, len(limits))
	for _, limit := range limits {
		resp = append(resp, toLimitResponse(limit))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handlePutLimit handles PUT /api/limits for the caller's tenant.
func (g *Gateway) handlePutLimit(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req LimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	limit := &store.UsageLimit{
		Tenant:        id.Tenant,
		User:          req.User,
		MaxUnits:      req.MaxUnits,
		WindowSeconds: req.WindowSeconds,
		Enabled:       req.Enabled,
	}
	if req.EffectiveFrom != "" {
		from, err := time.Parse(time.RFC3339, req.EffectiveFrom)
		if err != nil {
			g.sendError(w, http.StatusBadRequest, "invalid_request", "effective_from must be RFC3339")
			return
		}
		limit.EffectiveFrom = from
	}

	if err := g.service.PutLimit(r.Context(), limit); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toLimitResponse(limit))
}

// threadKeyFromQuery extracts and tenant-checks a thread key from query
// parameters, writing the error response itself on failure.
func (g *Gateway) threadKeyFromQuery(w http.ResponseWriter, r *http.Request) (store.ThreadKey, bool) {
	q := r.URL.Query()
	key := store.ThreadKey{
		Tenant:      q.Get("tenant"),
		Workflow:    q.Get("workflow"),
		Participant: q.Get("participant"),
		Scope:       q.Get("scope"),
	}
	if err := key.Validate(); err != nil {
		g.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return store.ThreadKey{}, false
	}
	if !auth.RequireTenant(w, r, key.Tenant) {
		return store.ThreadKey{}, false
	}
	return key, true
}

// writeServiceError maps service errors to HTTP responses with stable
// error codes, so clients can distinguish quota, auth, and engine trouble.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	var limitErr *LimitError
	switch {
	case errors.As(err, &limitErr):
		// 403 with a code distinct from auth failures; Retry-After points
		// at the window boundary.
		retry := time.Until(limitErr.Status.WindowEnd)
		if retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		}
		g.writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "rate_limit_exceeded",
			"message": limitErr.Error(),
			"limit":   toUsageResponse(limitErr.Status),
		})
	case errors.Is(err, limiter.ErrStoreUnavailable):
		g.sendError(w, http.StatusServiceUnavailable, "limiter_unavailable", "usage limiter is unavailable")
	case errors.Is(err, correlate.ErrDuplicateCorrelation):
		g.sendError(w, http.StatusConflict, "duplicate_request_id", "a request with this request_id is still pending")
	case errors.Is(err, ErrInvalidRequest):
		g.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// sendError writes a JSON error response with a machine-readable code.
func (g *Gateway) sendError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// parseSendRequest parses and validates a SendMessageRequest from the given
// reader. Field-level validation happens in the service; this only rejects
// undecodable bodies and an absent payload early.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Payload == "" {
		return nil, errors.New("payload is required")
	}
	return &req, nil
}

func toSendRequest(req *SendMessageRequest) *SendRequest {
	return &SendRequest{
		ThreadKey: store.ThreadKey{
			Tenant:      req.Tenant,
			Workflow:    req.Workflow,
			Participant: req.Participant,
			Scope:       req.Scope,
		},
		Type:      store.MessageType(req.Type),
		Payload:   req.Payload,
		Units:     req.Units,
		RequestID: req.RequestID,
	}
}

func toMessageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:          msg.ID,
		Seq:         msg.Seq,
		Tenant:      msg.ThreadKey.Tenant,
		Workflow:    msg.ThreadKey.Workflow,
		Participant: msg.ThreadKey.Participant,
		Scope:       msg.ThreadKey.Scope,
		Direction:   string(msg.Direction),
		Type:        string(msg.Type),
		Payload:     msg.Payload,
		RequestID:   msg.RequestID,
		Delivery:    string(msg.Delivery),
		CreatedAt:   msg.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toUsageResponse(status *limiter.Status) UsageResponse {
	resp := UsageResponse{
		Enabled:  status.Enabled,
		Exceeded: status.Exceeded,
	}
	if status.Enabled {
		resp.MaxUnits = status.MaxUnits
		resp.Used = status.Used
		resp.Remaining = status.Remaining
		resp.WindowStart = status.WindowStart.Format(time.RFC3339)
		resp.WindowEnd = status.WindowEnd.Format(time.RFC3339)
	}
	return resp
}

func toLimitResponse(limit *store.UsageLimit) LimitResponse {
	return LimitResponse{
		Tenant:        limit.Tenant,
		User:          limit.User,
		MaxUnits:      limit.MaxUnits,
		WindowSeconds: limit.WindowSeconds,
		Enabled:       limit.Enabled,
		EffectiveFrom: limit.EffectiveFrom.Format(time.RFC3339),
		UpdatedAt:     limit.UpdatedAt.Format(time.RFC3339),
	}
}

// queryUser reports whether the user parameter was provided at all, since
// ?user= (empty) addresses the tenant-wide limit.
func queryUser(r *http.Request) (string, bool) {
	if !r.URL.Query().Has("user") {
		return "", false
	}
	return r.URL.Query().Get("user"), true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
