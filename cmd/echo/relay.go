package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/deeptree/echo-kernel/internal/api"
)

// maxRelayBody caps callback payloads accepted by the relay.
const maxRelayBody = 1 << 20

type errorBody struct {
	Error      string `json:"error"`
	Op         string `json:"op,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// newRelayHandler exposes the request invoker locally:
// POST /v1/invoke/{path...} forwards the JSON body to ECHO_API_URL/{path}.
func newRelayHandler(client *api.Client, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/invoke/{path...}", func(w http.ResponseWriter, r *http.Request) {
		path := "/" + r.PathValue("path")

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRelayBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
			return
		}

		var payload json.RawMessage
		if len(body) > 0 {
			if !json.Valid(body) {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body is not valid JSON"})
				return
			}
			payload = body
		}

		resp, err := client.Invoke(r.Context(), path, payload)
		if err != nil {
			logger.Warn("relay call failed", "path", path, "error", err)

			status := http.StatusBadGateway
			out := errorBody{Error: err.Error()}
			var reqErr *api.RequestError
			if errors.As(err, &reqErr) {
				out.Op = reqErr.Op
				out.StatusCode = reqErr.StatusCode
				if reqErr.Op == api.OpEncode {
					status = http.StatusBadRequest
				}
			}
			writeJSON(w, status, out)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
