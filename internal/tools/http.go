package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// HTTPOptions configures the http.* tools.
type HTTPOptions struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// HTTPRequestTool implements "http.request".
type HTTPRequestTool struct {
	opts HTTPOptions
}

// NewHTTPRequestTool creates the http.request tool.
func NewHTTPRequestTool(opts HTTPOptions) *HTTPRequestTool {
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestTool{opts: opts}
}

func (t *HTTPRequestTool) Name() string { return "http.request" }

func (t *HTTPRequestTool) Describe() Descriptor {
	return Descriptor{
		Description: "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
		InputSchema: json.RawMessage(httpRequestSchema),
	}
}

func (t *HTTPRequestTool) validate(args map[string]any) error {
	rawURL := stringArg(args, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required arg 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (t *HTTPRequestTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if err := t.validate(args); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringArg(args, "method", "GET"))
	rawURL := stringArg(args, "url", "")
	followRedirects := boolArg(args, "follow_redirects", true)
	maxRedirects := intArg(args, "max_redirects", 10)

	timeout := t.opts.DefaultTimeout
	if ts := stringArg(args, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	bodyReader, contentType, err := encodeBody(args)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := args["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, args)

	// A fresh client per call so per-request TLS and redirect settings
	// never leak into shared state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolArg(args, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, t.opts.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolArg(args, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

func encodeBody(args map[string]any) (io.Reader, string, error) {
	rawBody, ok := args["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringArg(args, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default: // json
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeExecution, "http.request: marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, args map[string]any) {
	auth, ok := args["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringArg(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringArg(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringArg(auth, "username", ""), stringArg(auth, "password", ""))
	case "api_key":
		if name := stringArg(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringArg(auth, "header_value", ""))
		}
	}
}

// HTTPGetTool implements the "http.get" convenience tool.
type HTTPGetTool struct {
	inner *HTTPRequestTool
}

// NewHTTPGetTool creates the http.get tool.
func NewHTTPGetTool(opts HTTPOptions) *HTTPGetTool {
	return &HTTPGetTool{inner: NewHTTPRequestTool(opts)}
}

func (t *HTTPGetTool) Name() string { return "http.get" }

func (t *HTTPGetTool) Describe() Descriptor {
	return Descriptor{Description: "Convenience tool for HTTP GET requests."}
}

func (t *HTTPGetTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	args["method"] = "GET"
	return t.inner.Invoke(ctx, args)
}

// HTTPPostTool implements the "http.post" convenience tool.
type HTTPPostTool struct {
	inner *HTTPRequestTool
}

// NewHTTPPostTool creates the http.post tool.
func NewHTTPPostTool(opts HTTPOptions) *HTTPPostTool {
	return &HTTPPostTool{inner: NewHTTPRequestTool(opts)}
}

func (t *HTTPPostTool) Name() string { return "http.post" }

func (t *HTTPPostTool) Describe() Descriptor {
	return Descriptor{Description: "Convenience tool for HTTP POST requests."}
}

func (t *HTTPPostTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	args["method"] = "POST"
	return t.inner.Invoke(ctx, args)
}
