package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 8 << 20

type httpCall struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
}

// executeHTTP accepts either a map {url, method, headers, body} where the
// remaining keys form a JSON body, or positional [url, method, headers, body].
func (m *Marketplace) executeHTTP(ctx context.Context, id string, p HTTPProvider, input value.Value) (value.Value, error) {
	call := httpCall{url: p.BaseURL, headers: map[string]string{}}
	switch in := input.(type) {
	case value.Map:
		call.method = "POST"
		if s, ok := mapString(in, "url"); ok {
			call.url = s
		}
		if s, ok := mapString(in, "method"); ok {
			call.method = s
		}
		if h, ok := in.Get("headers"); ok {
			call.headers = stringMap(h)
		}
		if b, ok := in.Get("body"); ok {
			call.body = bodyBytes(b)
		} else {
			rest := value.Map{}
			for k, v := range in {
				switch strings.TrimPrefix(k, ":") {
				case "url", "method", "headers":
				default:
					rest[k] = v
				}
			}
			if len(rest) > 0 {
				call.body = bodyBytes(rest)
			}
		}
	default:
		call.method = "GET"
		args := positional(input)
		if len(args) > 0 {
			if s, ok := value.AsString(args[0]); ok {
				call.url = s
			}
		}
		if len(args) > 1 {
			if s, ok := value.AsString(args[1]); ok {
				call.method = s
			}
		}
		if len(args) > 2 {
			call.headers = stringMap(args[2])
		}
		if len(args) > 3 {
			call.body = bodyBytes(args[3])
		}
	}
	if p.AuthToken != "" {
		call.headers["Authorization"] = "Bearer " + p.AuthToken
	}

	status, headers, body, err := m.send(ctx, id, call, timeout(p.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return responseMap(status, headers, body, false), nil
}

// send performs the request and classifies transport and status failures.
// 5xx and 429 are transient; other statuses >= 400 are permanent.
func (m *Marketplace) send(ctx context.Context, id string, call httpCall, limit time.Duration) (int, http.Header, []byte, error) {
	if call.url == "" {
		return 0, nil, nil, errorir.InvalidArgument("no URL for capability %s", id).WithCapability(id)
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	method := strings.ToUpper(call.method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(call.body) > 0 && method != http.MethodGet {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, call.url, body)
	if err != nil {
		return 0, nil, nil, errorir.InvalidArgument("invalid request for %s: %v", id, err).WithCapability(id)
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, errorir.ProviderError(id, true, fmt.Errorf("%s %s: %w", method, call.url, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, errorir.ProviderError(id, true, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode >= 400 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return 0, nil, nil, errorir.ProviderError(id, transient,
			fmt.Errorf("%s %s returned %d: %s", method, call.url, resp.StatusCode, truncate(string(data), 512)))
	}
	return resp.StatusCode, resp.Header, data, nil
}

func responseMap(status int, headers http.Header, body []byte, withJSON bool) value.Map {
	hm := value.Map{}
	for k := range headers {
		hm[strings.ToLower(k)] = value.String(headers.Get(k))
	}
	out := value.Map{
		"status":  value.Integer(status),
		"body":    value.String(string(body)),
		"headers": hm,
	}
	if withJSON && len(body) > 0 {
		if v, err := value.Parse(body); err == nil {
			out["json"] = v
		}
	}
	return out
}

// executeA2A posts the A2A envelope and unwraps {"result"} or {"error"}.
func (m *Marketplace) executeA2A(ctx context.Context, id string, p A2AProvider, input value.Value) (value.Value, error) {
	switch p.Protocol {
	case "", "http", "https":
	default:
		return nil, errorir.ProviderError(id, false, fmt.Errorf("unsupported A2A protocol %q", p.Protocol))
	}
	payload, err := json.Marshal(map[string]any{
		"agent_id":   p.AgentID,
		"capability": "execute",
		"inputs":     value.ToJSON(input),
		"timestamp":  m.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, errorir.ProviderError(id, false, err)
	}
	_, _, body, err := m.send(ctx, id, httpCall{method: http.MethodPost, url: p.Endpoint, headers: map[string]string{}, body: payload}, timeout(p.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return unwrapEnvelope(id, "A2A", body)
}

// executeRemote forwards the call to a remote runtime endpoint.
func (m *Marketplace) executeRemote(ctx context.Context, id string, p RemoteRTFSProvider, input value.Value) (value.Value, error) {
	cc := CallContextFrom(ctx)
	payload, err := json.Marshal(map[string]any{
		"capability_id": id,
		"inputs":        value.ToJSON(input),
		"plan_id":       cc.PlanID,
		"intent_id":     cc.IntentID,
	})
	if err != nil {
		return nil, errorir.ProviderError(id, false, err)
	}
	headers := map[string]string{}
	if p.AuthToken != "" {
		headers["Authorization"] = "Bearer " + p.AuthToken
	}
	_, _, body, err := m.send(ctx, id, httpCall{method: http.MethodPost, url: p.Endpoint, headers: headers, body: payload}, timeout(p.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return unwrapEnvelope(id, "remote runtime", body)
}

func unwrapEnvelope(id, peer string, body []byte) (value.Value, error) {
	var resp struct {
		Result *json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errorir.ProviderError(id, false, fmt.Errorf("failed to parse %s response: %w", peer, err))
	}
	switch {
	case resp.Result != nil:
		return value.Parse(*resp.Result)
	case resp.Error != nil:
		msg := resp.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, errorir.ProviderError(id, false, fmt.Errorf("%s error: %s", peer, msg))
	default:
		return nil, errorir.ProviderError(id, false, fmt.Errorf("invalid %s response format", peer))
	}
}

var pathParam = regexp.MustCompile(`\{([^}/]+)\}`)

// executeOpenAPI expects a map. "operation" (or "operation_id") selects the
// operation; "params", "headers" and "body" are taken verbatim and every other
// key becomes a path or query parameter.
func (m *Marketplace) executeOpenAPI(ctx context.Context, id string, p OpenAPIProvider, input value.Value) (value.Value, error) {
	in, ok := input.(value.Map)
	if !ok {
		if args := positional(input); len(args) > 0 {
			in, ok = args[0].(value.Map)
		}
	}
	if !ok {
		return nil, errorir.InvalidArgument("openapi capability %s expects map input", id).WithCapability(id)
	}

	params := map[string]string{}
	var hint string
	headers := map[string]string{}
	var body []byte
	for k, v := range in {
		switch key := strings.TrimPrefix(k, ":"); key {
		case "operation", "operation_id":
			hint, _ = value.AsString(v)
		case "params":
			for pk, pv := range stringMap(v) {
				params[pk] = pv
			}
		case "headers":
			headers = stringMap(v)
		case "body":
			body = bodyBytes(v)
		default:
			params[key] = paramString(v)
		}
	}

	op, err := resolveOperation(p, hint)
	if err != nil {
		return nil, errorir.InvalidArgument("%v", err).WithCapability(id)
	}

	path := op.Path
	for _, match := range pathParam.FindAllStringSubmatch(op.Path, -1) {
		v, ok := params[match[1]]
		if !ok {
			return nil, errorir.InvalidArgument("missing required path parameter %q", match[1]).WithCapability(id)
		}
		delete(params, match[1])
		path = strings.ReplaceAll(path, match[0], url.PathEscape(v))
	}

	authOverride, hasOverride := params["auth_token"]
	delete(params, "auth_token")

	query := url.Values{}
	for k, v := range params {
		if v != "" {
			query.Set(k, v)
		}
	}

	if p.Auth != nil {
		token := authOverride
		if !hasOverride || token == "" {
			token = extractToken(p.Auth, query, headers)
		}
		if token == "" && p.Auth.EnvVarName != "" {
			token = m.getenv(p.Auth.EnvVarName)
		}
		if token == "" && m.broker != nil && m.broker.Allows(id) {
			cred, err := m.broker.Issue(id, p.Auth.Scopes, timeout(p.TimeoutMs))
			if err != nil {
				return nil, errorir.SecurityViolation("credential broker refused %s: %v", id, err).WithCapability(id)
			}
			token = cred.Secret
		}
		if token == "" && p.Auth.Required {
			return nil, errorir.SecurityViolation("missing credentials for parameter %q", p.Auth.ParameterName).WithCapability(id)
		}
		if token != "" {
			applyAuth(p.Auth, token, query, headers)
		}
	}

	target := strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if enc := query.Encode(); enc != "" {
		target += "?" + enc
	}
	status, respHeaders, respBody, err := m.send(ctx, id, httpCall{method: op.Method, url: target, headers: headers, body: body}, timeout(p.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return responseMap(status, respHeaders, respBody, true), nil
}

// resolveOperation matches hint against operation id, "method path", summary,
// then path. Without a hint the provider must have exactly one operation.
func resolveOperation(p OpenAPIProvider, hint string) (OpenAPIOperation, error) {
	if hint != "" {
		for _, match := range []func(OpenAPIOperation) bool{
			func(op OpenAPIOperation) bool { return op.OperationID != "" && strings.EqualFold(op.OperationID, hint) },
			func(op OpenAPIOperation) bool { return strings.EqualFold(op.Method+" "+op.Path, hint) },
			func(op OpenAPIOperation) bool { return op.Summary != "" && strings.EqualFold(op.Summary, hint) },
			func(op OpenAPIOperation) bool { return op.Path == hint },
		} {
			if i := slices.IndexFunc(p.Operations, match); i >= 0 {
				return p.Operations[i], nil
			}
		}
		ids := make([]string, 0, len(p.Operations))
		for _, op := range p.Operations {
			if op.OperationID != "" {
				ids = append(ids, op.OperationID)
			}
		}
		return OpenAPIOperation{}, fmt.Errorf("no OpenAPI operation matches %q; available operations: %s", hint, strings.Join(ids, ", "))
	}
	switch len(p.Operations) {
	case 0:
		return OpenAPIOperation{}, errors.New("OpenAPI provider has no operations defined")
	case 1:
		return p.Operations[0], nil
	default:
		return OpenAPIOperation{}, errors.New("multiple OpenAPI operations available; specify operation")
	}
}

// extractToken moves a caller-supplied credential out of the request.
func extractToken(auth *OpenAPIAuth, query url.Values, headers map[string]string) string {
	switch strings.ToLower(auth.Location) {
	case "query":
		if v := query.Get(auth.ParameterName); v != "" {
			query.Del(auth.ParameterName)
			return v
		}
	case "header":
		if v, ok := headers[auth.ParameterName]; ok {
			delete(headers, auth.ParameterName)
			return v
		}
	}
	return ""
}

func applyAuth(auth *OpenAPIAuth, token string, query url.Values, headers map[string]string) {
	switch strings.ToLower(auth.Location) {
	case "query":
		query.Set(auth.ParameterName, token)
	case "header":
		if strings.EqualFold(auth.AuthType, "bearer") && !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		headers[auth.ParameterName] = token
	case "cookie":
		cookie := auth.ParameterName + "=" + token
		if existing := headers["Cookie"]; existing != "" {
			cookie = existing + "; " + cookie
		}
		headers["Cookie"] = cookie
	}
}

func mapString(m value.Map, key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	return value.AsString(v)
}

// stringMap flattens a map value to string values; non-maps yield an empty map.
func stringMap(v value.Value) map[string]string {
	out := map[string]string{}
	m, ok := v.(value.Map)
	if !ok {
		return out
	}
	for k, item := range m {
		out[strings.TrimPrefix(k, ":")] = paramString(item)
	}
	return out
}

func paramString(v value.Value) string {
	switch t := v.(type) {
	case value.Nil:
		return ""
	case value.String:
		return string(t)
	case value.Integer:
		return strconv.FormatInt(int64(t), 10)
	case value.Float:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case value.Boolean:
		return strconv.FormatBool(bool(t))
	default:
		if s, ok := value.AsString(v); ok {
			return s
		}
		data, _ := value.Marshal(v)
		return string(data)
	}
}

// bodyBytes sends strings verbatim and everything else as JSON.
func bodyBytes(v value.Value) []byte {
	if s, ok := v.(value.String); ok {
		return []byte(s)
	}
	data, _ := value.Marshal(v)
	return data
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
