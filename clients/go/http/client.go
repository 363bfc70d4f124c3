// Package http provides an HTTP client for the confplane configuration service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	confplane "github.com/confplane/confplane/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the confplane server, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements confplane.Calculator, confplane.RuleManager, and
// confplane.ContextManager over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the confplane service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireIdentity struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type wireCalculateReq struct {
	Paths      []string       `json:"paths"`
	Identities []wireIdentity `json:"identities,omitempty"`
}

type wireCalculateResp struct {
	Values map[string]any `json:"values"`
}

type wireRuleDefinition struct {
	Path      string          `json:"path"`
	Rules     json.RawMessage `json:"rules"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("confplane: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("confplane: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("confplane: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: decodeErrorMessage(raw)}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("confplane: HTTP %d: %s", e.StatusCode, e.Message)
}

// decodeErrorMessage extracts the "error" field from a JSON error body,
// falling back to the raw body text.
func decodeErrorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func decodeRuleDefinition(wd wireRuleDefinition) confplane.RuleDefinition {
	def := confplane.RuleDefinition{
		Path:  wd.Path,
		Rules: wd.Rules,
	}
	if wd.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, wd.CreatedAt); err == nil {
			def.CreatedAt = t
		}
	}
	if wd.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, wd.UpdatedAt); err == nil {
			def.UpdatedAt = t
		}
	}
	return def
}

// buildValuesQuery encodes identities as query parameters: plain keys carry
// the identity id, dotted keys carry attributes.
func buildValuesQuery(identities []confplane.Identity) url.Values {
	query := make(url.Values)
	for _, identity := range identities {
		query.Set(identity.Type, identity.ID)
		for name, value := range identity.Attributes {
			query.Set(identity.Type+"."+name, formatQueryValue(value))
		}
	}
	return query
}

// formatQueryValue renders an attribute value so the server coerces it back
// to the same JSON type.
func formatQueryValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func wireIdentities(identities []confplane.Identity) []wireIdentity {
	if len(identities) == 0 {
		return nil
	}
	out := make([]wireIdentity, len(identities))
	for i, identity := range identities {
		out[i] = wireIdentity{Type: identity.Type, ID: identity.ID, Attributes: identity.Attributes}
	}
	return out
}

// -- Calculator ----------------------------------------------------------------

func (c *Client) Calculate(ctx context.Context, paths []string, identities []confplane.Identity) (map[string]any, error) {
	body := wireCalculateReq{Paths: paths, Identities: wireIdentities(identities)}
	resp, err := c.do(ctx, http.MethodPost, "/v1/calculate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireCalculateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("confplane: decode response: %w", err)
	}
	return out.Values, nil
}

func (c *Client) GetValue(ctx context.Context, path string, identities ...confplane.Identity) (any, error) {
	target := "/v1/values/" + strings.TrimPrefix(path, "/")
	if query := buildValuesQuery(identities); len(query) > 0 {
		target += "?" + query.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var value any
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return nil, fmt.Errorf("confplane: decode response: %w", err)
	}
	return value, nil
}

// -- RuleManager ---------------------------------------------------------------

func (c *Client) UpsertRuleDefinition(ctx context.Context, path string, rules json.RawMessage) (confplane.RuleDefinition, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/rules/"+strings.TrimPrefix(path, "/"), rules)
	if err != nil {
		return confplane.RuleDefinition{}, err
	}
	defer resp.Body.Close()
	var out wireRuleDefinition
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return confplane.RuleDefinition{}, fmt.Errorf("confplane: decode response: %w", err)
	}
	return decodeRuleDefinition(out), nil
}

func (c *Client) GetRuleDefinition(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	rules, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("confplane: read response: %w", err)
	}
	return json.RawMessage(bytes.TrimSpace(rules)), nil
}

func (c *Client) ListRuleDefinitions(ctx context.Context) (map[string]json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("confplane: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteRuleDefinition(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/rules/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- ContextManager --------------------------------------------------------------

func (c *Client) UpsertContext(ctx context.Context, identityType, identityID string, properties map[string]any) error {
	resp, err := c.do(ctx, http.MethodPost, contextPath(identityType, identityID), properties)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) GetContext(ctx context.Context, identityType, identityID string) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, contextPath(identityType, identityID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var properties map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&properties); err != nil {
		return nil, fmt.Errorf("confplane: decode response: %w", err)
	}
	return properties, nil
}

func (c *Client) DeleteContext(ctx context.Context, identityType, identityID string) error {
	resp, err := c.do(ctx, http.MethodDelete, contextPath(identityType, identityID), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func contextPath(identityType, identityID string) string {
	return "/v1/context/" + url.PathEscape(identityType) + "/" + url.PathEscape(identityID)
}
