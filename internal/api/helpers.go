package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

// maxBodyBytes bounds the request body size.
const maxBodyBytes = 1 << 20

// writeJSON sends a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError sends a status error as JSON and returns its code. Errors
// that are not status errors become INTERNAL.
func writeError(w http.ResponseWriter, err error) wire.Code {
	var se *wire.Error
	if !errors.As(err, &se) {
		se = wire.Errorf(wire.CodeInternal, "internal error")
	}
	writeJSON(w, se.Code.HTTPStatus(), se)
	return se.Code
}

// ndjson starts a newline-delimited JSON stream response. Encode
// writes one line per call.
func ndjson(w http.ResponseWriter) *json.Encoder {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w)
}

// decodeJSON parses the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return wire.Errorf(wire.CodeInvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

// mapStoreError translates the store's sentinel errors onto status
// codes, describing the entity in the message.
func mapStoreError(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return wire.Errorf(wire.CodeNotFound, "%s not found", entity)
	case errors.Is(err, store.ErrAlreadyExists):
		return wire.Errorf(wire.CodeAlreadyExists, "%s already exists", entity)
	default:
		return err
	}
}
