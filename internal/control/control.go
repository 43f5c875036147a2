// Package control serves the operator control surface: runtime protection
// configuration, state inspection and reset.
package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/reqshield/reqshield/internal/config"
	"github.com/reqshield/reqshield/internal/engine"
)

// Paths of the control endpoints.
const (
	ConfigurePath = "/control/configure"
	StatusPath    = "/control/status"
	ResetPath     = "/control/reset"
)

const defaultMaxOffenders = 20

// ReloadRecorder counts configuration changes by source.
type ReloadRecorder interface {
	IncConfigReload(source string, ok bool)
}

// Handler serves the control endpoints for one engine.
type Handler struct {
	engine  *engine.Engine
	token   config.RedactedString
	metrics ReloadRecorder
	logger  *slog.Logger
}

// NewHandler creates the control handler. When token is non-empty every
// request must carry it as a bearer token.
func NewHandler(eng *engine.Engine, token config.RedactedString, metrics ReloadRecorder, logger *slog.Logger) *Handler {
	return &Handler{engine: eng, token: token, metrics: metrics, logger: logger}
}

// Register mounts the control endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(ConfigurePath, h.authorize(http.MethodPost, h.configure))
	mux.Handle(StatusPath, h.authorize(http.MethodGet, h.status))
	mux.Handle(ResetPath, h.authorize(http.MethodPost, h.reset))
}

type problem struct {
	Detail string   `json:"detail"`
	Errors []string `json:"errors,omitempty"`
}

func (h *Handler) authorize(method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, problem{Detail: "Method Not Allowed"})
			return
		}
		if tok := h.token.Value(); tok != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="reqshield"`)
				writeJSON(w, http.StatusUnauthorized, problem{Detail: "Unauthorized"})
				return
			}
		}
		next(w, r)
	})
}

func (h *Handler) configure(w http.ResponseWriter, r *http.Request) {
	patch, err := config.DecodeProtectionPatch(http.MaxBytesReader(w, r.Body, 64<<10))
	if err == nil {
		var s *engine.Settings
		s, err = h.engine.Configure(patch)
		if err == nil {
			h.metrics.IncConfigReload("control", true)
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	h.metrics.IncConfigReload("control", false)

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		h.logger.Warn("protection config rejected", "errors", verr.Problems)
		writeJSON(w, http.StatusBadRequest, problem{
			Detail: "Invalid protection configuration",
			Errors: verr.Problems,
		})
		return
	}
	h.logger.Warn("failed to read protection patch", "error", err)
	writeJSON(w, http.StatusBadRequest, problem{Detail: "Invalid request body", Errors: []string{err.Error()}})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	limit := defaultMaxOffenders
	if raw := r.URL.Query().Get("offenders"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, problem{
				Detail: "Invalid query",
				Errors: []string{"offenders must be a non-negative integer"},
			})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.engine.Status(limit))
}

func (h *Handler) reset(w http.ResponseWriter, _ *http.Request) {
	h.engine.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
