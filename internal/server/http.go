package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/scenario"
)

// inputError marks a request the client must fix; it maps to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

// errorStatus maps a service error onto an HTTP status code.
func errorStatus(err error) int {
	var in inputError
	var artIn artifacts.InputError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &in), errors.As(err, &artIn),
		errors.Is(err, bus.ErrInvalid),
		errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, paths.ErrOutsideRoot),
		errors.Is(err, scenario.ErrInvalidBaseline):
		return http.StatusBadRequest
	case errors.Is(err, bus.ErrNotFound),
		errors.Is(err, artifacts.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, betarun.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Server errors are logged and their
// detail is not echoed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, err.Error())
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return inputError("invalid JSON body: " + err.Error())
	}
	return nil
}

// parseForm parses a form body, mapping malformed input to 400.
func parseForm(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return inputError("invalid form body: " + err.Error())
	}
	return nil
}

// formValue returns the trimmed form field, or fallback when it is empty.
func formValue(r *http.Request, name, fallback string) string {
	if v := strings.TrimSpace(r.PostFormValue(name)); v != "" {
		return v
	}
	return fallback
}

// requireFields fails with an inputError naming the first empty field.
func requireFields(r *http.Request, names ...string) error {
	for _, n := range names {
		if strings.TrimSpace(r.PostFormValue(n)) == "" {
			return inputError(n + " is required")
		}
	}
	return nil
}

// queryInt parses an integer query parameter, returning fallback when absent.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, inputError(fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

// redirectView answers a form write with 303 to the artifact viewer.
func redirectView(w http.ResponseWriter, r *http.Request, rel string) {
	http.Redirect(w, r, "/view?path="+url.QueryEscape(rel), http.StatusSeeOther)
}

// redirectInbox answers a form write with 303 to an inbox page.
func redirectInbox(w http.ResponseWriter, r *http.Request, role, agentID string) {
	q := url.Values{"role": {role}, "agent_id": {agentID}}
	http.Redirect(w, r, "/inbox?"+q.Encode(), http.StatusSeeOther)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
