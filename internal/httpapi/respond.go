package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
)

// envelope is the response shape every endpoint uses: {"success": bool}
// plus the endpoint's payload fields.
type envelope map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ok writes a success envelope merging the payload fields.
func ok(w http.ResponseWriter, status int, fields envelope) {
	body := envelope{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// fail maps the error to its HTTP status and public message. Internal
// details stay in the log.
func fail(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, envelope{
		"success": false,
		"error":   apperr.PublicMessage(err),
	})
}

// failValidation is a shortcut for malformed requests.
func failValidation(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, envelope{
		"success": false,
		"error":   message,
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid JSON body")
	}
	return nil
}
