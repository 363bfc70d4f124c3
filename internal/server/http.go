package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/confplane/confplane/internal/core"
	"github.com/confplane/confplane/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HandlerOptions tunes the HTTP handler. Zero values give sensible defaults.
type HandlerOptions struct {
	// MaxJSONBodySize caps JSON request bodies in bytes.
	MaxJSONBodySize int64

	// MetricsHandler serves GET /metrics. Defaults to 404 when nil.
	MetricsHandler http.Handler

	// WriteLimit wraps the mutating routes, typically with a per-IP rate
	// limiter.
	WriteLimit func(http.Handler) http.Handler

	// Observe is invoked once per request with the matched route pattern,
	// resulting status code, and elapsed handler time.
	Observe func(method, route string, status int, elapsed time.Duration)
}

type HTTPServer struct {
	service          Service
	maxJSONBodyBytes int64
	observe          func(method, route string, status int, elapsed time.Duration)
}

type identityJSON struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type calculateJSONRequest struct {
	Paths      []string       `json:"paths"`
	Identities []identityJSON `json:"identities,omitempty"`
}

type calculateJSONResponse struct {
	Values core.Result `json:"values"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, HandlerOptions{})
}

func NewHTTPHandlerWithOptions(svc Service, opts HandlerOptions) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	maxBody := opts.MaxJSONBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: maxBody,
		observe:          opts.Observe,
	}

	writeLimit := opts.WriteLimit
	if writeLimit == nil {
		writeLimit = func(next http.Handler) http.Handler { return next }
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/calculate", server.instrument("/v1/calculate", server.handleCalculate))
	mux.Handle("GET /v1/values/{path...}", server.instrument("/v1/values", server.handleGetValue))
	mux.Handle("GET /v1/rules", server.instrument("/v1/rules", server.handleListRules))
	mux.Handle("GET /v1/rules/{path...}", server.instrument("/v1/rules", server.handleGetRule))
	mux.Handle("PUT /v1/rules/{path...}", writeLimit(server.instrument("/v1/rules", server.handleUpsertRule)))
	mux.Handle("DELETE /v1/rules/{path...}", writeLimit(server.instrument("/v1/rules", server.handleDeleteRule)))
	mux.Handle("GET /v1/context/{type}/{id}", server.instrument("/v1/context", server.handleGetContext))
	mux.Handle("POST /v1/context/{type}/{id}", writeLimit(server.instrument("/v1/context", server.handleUpsertContext)))
	mux.Handle("DELETE /v1/context/{type}/{id}", writeLimit(server.instrument("/v1/context", server.handleDeleteContext)))
	mux.Handle("GET /healthz", server.instrument("/healthz", server.handleHealthz))

	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return mux
}

// instrument wraps a handler with status capture for the Observe callback.
// Route labels are the registered patterns, keeping metric cardinality bounded.
func (s *HTTPServer) instrument(route string, handler http.HandlerFunc) http.Handler {
	if s.observe == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		s.observe(r.Method, route, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (s *HTTPServer) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var request calculateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if len(request.Paths) == 0 {
		writeJSONError(w, http.StatusBadRequest, "paths is required")
		return
	}

	identities := make([]core.Identity, 0, len(request.Identities))
	attributes := make(map[core.Identity]map[string]any, len(request.Identities))
	for idx, item := range request.Identities {
		if strings.TrimSpace(item.Type) == "" || strings.TrimSpace(item.ID) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("identities[%d] requires type and id", idx))
			return
		}
		identity := core.Identity{Type: item.Type, ID: item.ID}
		identities = append(identities, identity)
		if len(item.Attributes) > 0 {
			attributes[identity] = item.Attributes
		}
	}

	values, err := s.service.Calculate(r.Context(), request.Paths, identities, attributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, calculateJSONResponse{Values: values})
}

// handleGetValue serves the convenience form
// GET /v1/values/{path}?user=alice&user.Country=US where plain query keys
// name identities and dotted keys set identity attributes.
func (s *HTTPServer) handleGetValue(w http.ResponseWriter, r *http.Request) {
	// Lowercased to match the path normalization applied on writes, so the
	// result lookup below sees the same key the service computed.
	path := strings.ToLower(strings.Trim(r.PathValue("path"), "/"))
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}

	identities, attributes, err := parseIdentityQuery(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	values, err := s.service.Calculate(r.Context(), []string{path}, identities, attributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if core.IsWildcardQuery(path) {
		writeJSON(w, http.StatusOK, values)
		return
	}

	value, ok := values[path]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no value at path")
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListRuleDefinitions(r.Context()))
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}

	rules, err := s.service.GetRuleDefinition(r.Context(), path)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rules)
}

func (s *HTTPServer) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}

	var rules json.RawMessage
	if err := s.decodeJSONBody(w, r, &rules); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	stored, err := s.service.UpsertRuleDefinition(r.Context(), path, rules)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := s.service.DeleteRuleDefinition(r.Context(), path); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetContext(w http.ResponseWriter, r *http.Request) {
	identityType, identityID, ok := contextPathParams(w, r)
	if !ok {
		return
	}

	properties, err := s.service.GetContext(r.Context(), identityType, identityID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(properties)
}

func (s *HTTPServer) handleUpsertContext(w http.ResponseWriter, r *http.Request) {
	identityType, identityID, ok := contextPathParams(w, r)
	if !ok {
		return
	}

	var properties json.RawMessage
	if err := s.decodeJSONBody(w, r, &properties); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.UpsertContext(r.Context(), identityType, identityID, properties); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	identityType, identityID, ok := contextPathParams(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteContext(r.Context(), identityType, identityID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func contextPathParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	identityType := strings.TrimSpace(r.PathValue("type"))
	identityID := strings.TrimSpace(r.PathValue("id"))
	if identityType == "" || identityID == "" {
		writeJSONError(w, http.StatusBadRequest, "identity type and id are required")
		return "", "", false
	}
	return identityType, identityID, true
}

// parseIdentityQuery splits query parameters into identities (plain keys) and
// identity attributes (dotted keys). Attribute values are coerced from JSON
// literals where possible so ?user.Age=30 compares numerically.
func parseIdentityQuery(query map[string][]string) ([]core.Identity, map[core.Identity]map[string]any, error) {
	type attribute struct {
		identityType string
		name         string
		value        any
	}

	identityByType := make(map[string]core.Identity)
	identities := make([]core.Identity, 0)
	pending := make([]attribute, 0)

	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		value := values[0]

		if identityType, name, found := strings.Cut(key, "."); found {
			pending = append(pending, attribute{
				identityType: strings.ToLower(identityType),
				name:         name,
				value:        coerceQueryValue(value),
			})
			continue
		}

		if strings.TrimSpace(value) == "" {
			return nil, nil, fmt.Errorf("identity %q requires an id", key)
		}
		identity := core.Identity{Type: key, ID: value}
		identityByType[strings.ToLower(key)] = identity
		identities = append(identities, identity)
	}

	attributes := make(map[core.Identity]map[string]any)
	for _, attr := range pending {
		identity, ok := identityByType[attr.identityType]
		if !ok {
			return nil, nil, fmt.Errorf("attribute %s.%s has no matching identity parameter", attr.identityType, attr.name)
		}
		if attributes[identity] == nil {
			attributes[identity] = make(map[string]any)
		}
		attributes[identity][attr.name] = attr.value
	}

	return identities, attributes, nil
}

// coerceQueryValue interprets query values as JSON booleans or numbers when
// they parse as such, and strings otherwise.
func coerceQueryValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if number, err := strconv.ParseFloat(value, 64); err == nil {
		return number
	}
	return value
}

func writeServiceError(w http.ResponseWriter, err error) {
	var cycleErr *core.CycleError
	var malformedErr *core.MalformedRuleError

	switch {
	case errors.Is(err, service.ErrInvalidRules):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, "rule definition not found")
	case errors.Is(err, service.ErrContextNotFound):
		writeJSONError(w, http.StatusNotFound, "context not found")
	case errors.Is(err, service.ErrReadOnlyRules):
		writeJSONError(w, http.StatusForbidden, "rule source is read-only")
	case errors.As(err, &cycleErr):
		writeJSONError(w, http.StatusUnprocessableEntity, cycleErr.Error())
	case errors.As(err, &malformedErr):
		writeJSONError(w, http.StatusUnprocessableEntity, malformedErr.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON value")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
