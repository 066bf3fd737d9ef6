package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPServiceHandler is the built-in "httpRequest" ServiceHandler: a
// Service/Send Task backend for calling a REST endpoint or webhook
// directly, adapted from a graph/tool.HTTPTool shape into the
// ServiceHandler contract (string-keyed properties rather than a freeform
// tool-call input map). Registered under Name() "httpRequest" by
// NewDefaultRegistry's handler set so workflows can reach it with
// implementation: "httpRequest" with no further wiring.
//
// Properties:
//   - url (required)
//   - method: GET or POST, default GET
//   - body: request body for POST
//   - header:<Name>: one request header per property, e.g. header:Authorization
type HTTPServiceHandler struct {
	Client *http.Client
}

// NewHTTPServiceHandler builds a handler with a default client; timeouts
// are left to the caller's context rather than a client-level deadline.
func NewHTTPServiceHandler() HTTPServiceHandler {
	return HTTPServiceHandler{Client: &http.Client{}}
}

func (h HTTPServiceHandler) Name() string { return "httpRequest" }

func (h HTTPServiceHandler) Call(ctx context.Context, properties map[string]string, _ map[string]any) (map[string]any, error) {
	url := properties["url"]
	if url == "" {
		return nil, fmt.Errorf("exec: httpRequest missing required property %q", "url")
	}

	method := strings.ToUpper(properties["method"])
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("exec: httpRequest unsupported method %q (supported: GET, POST)", method)
	}

	var body io.Reader
	if raw := properties["body"]; raw != "" {
		body = bytes.NewBufferString(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("exec: httpRequest could not build request: %w", err)
	}
	for key, value := range properties {
		name, ok := strings.CutPrefix(key, "header:")
		if ok {
			req.Header.Set(name, value)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exec: httpRequest failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exec: httpRequest could not read response body: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			headers[key] = values[0]
			continue
		}
		headers[key] = values
	}

	return map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    headers,
		"body":       string(respBody),
	}, nil
}
