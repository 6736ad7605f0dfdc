package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
)

type dispatchRequest struct {
	ServiceID string            `json:"serviceId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// Dispatch handles POST /v1/requests: a generic dispatcher that runs the
// same engine path as the transparent proxy, with the target described in
// the JSON body instead of the URL.
func Dispatch(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed dispatch body: "+err.Error())
			return
		}
		if req.ServiceID == "" || req.Method == "" {
			writeJSONError(w, http.StatusBadRequest, "serviceId and method are required")
			return
		}

		path := req.Path
		if path == "" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}

		var body []byte
		if len(req.Body) > 0 {
			// A JSON string body is sent raw; anything else as JSON.
			var s string
			if err := json.Unmarshal(req.Body, &s); err == nil {
				body = []byte(s)
			} else {
				body = req.Body
			}
		}

		inner, err := http.NewRequestWithContext(r.Context(), strings.ToUpper(req.Method), "http://dispatch"+path, bytes.NewReader(body))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid method or path: "+err.Error())
			return
		}
		for k, v := range req.Headers {
			inner.Header.Set(k, v)
		}
		if inner.Header.Get("Content-Type") == "" && len(body) > 0 {
			inner.Header.Set("Content-Type", "application/json")
		}
		inner.ContentLength = int64(len(body))
		inner.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}

		if err := d.Gateway.Handle(w, inner, req.ServiceID, path); err != nil {
			writeError(w, d, err)
		}
	}
}
