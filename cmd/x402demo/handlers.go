package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// withSchemaValidation wraps a handler with optional JSON Schema checks: the
// request body against schemas.Input (rejecting mismatches with 400) and the
// response body against schemas.Output (logged, not rejected — the demo
// trusts its own handlers but wants mismatches visible during development).
func withSchemaValidation(schemas routeSchemas, next http.HandlerFunc) http.HandlerFunc {
	if schemas.Input == nil && schemas.Output == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if schemas.Input != nil && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			if len(body) > 0 {
				result, err := schemas.Input.Validate(gojsonschema.NewBytesLoader(body))
				if err != nil || !result.Valid() {
					http.Error(w, "request body does not match inputSchema", http.StatusBadRequest)
					return
				}
			}
		}

		if schemas.Output == nil {
			next(w, r)
			return
		}

		capture := &bytes.Buffer{}
		recorder := &bodyTee{ResponseWriter: w, tee: capture}
		next(recorder, r)

		if capture.Len() == 0 {
			return
		}
		result, err := schemas.Output.Validate(gojsonschema.NewBytesLoader(capture.Bytes()))
		if err != nil || !result.Valid() {
			log.Warn().Str("path", r.URL.Path).Msg("response body does not match outputSchema")
		}
	}
}

// bodyTee mirrors every write into tee while passing it through to the
// underlying ResponseWriter unchanged, so outputSchema validation can run
// against the bytes a client actually received.
type bodyTee struct {
	http.ResponseWriter
	tee *bytes.Buffer
}

func (w *bodyTee) Write(data []byte) (int, error) {
	w.tee.Write(data)
	return w.ResponseWriter.Write(data)
}

// ============================================================================
// Demo resource handlers
// ============================================================================

func handleWeather(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	if city == "" {
		city = "San Francisco"
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"city":        city,
		"tempCelsius": 18.5,
		"condition":   "partly cloudy",
	})
}

func handleEcho(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"echo": payload})
}

func handlePremiumReport(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"report":    "quarterly-analytics",
		"generated": true,
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
