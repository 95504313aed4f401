// Package http exposes the licensing core over a chi router.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/connectivity"
	apperrors "github.com/saidaladawi/universal-workshop-erp-sub010/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/ratelimit"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/threat"
)

// Handlers bundles the HTTP surface over the licensing services.
type Handlers struct {
	tokens   *license.Service
	limiter  *ratelimit.Limiter
	assessor *threat.Assessor
	registry *connectivity.Registry
	prober   *connectivity.Prober
	logger   *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(tokens *license.Service, limiter *ratelimit.Limiter, assessor *threat.Assessor, registry *connectivity.Registry, prober *connectivity.Prober, logger *slog.Logger) *Handlers {
	return &Handlers{
		tokens:   tokens,
		limiter:  limiter,
		assessor: assessor,
		registry: registry,
		prober:   prober,
		logger:   logger.With(slog.String("component", "http_handlers")),
	}
}

// Routes mounts the API surface on a router.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/license", func(r chi.Router) {
		r.Post("/issue", h.issueToken)
		r.Post("/validate", h.validateToken)
		r.Post("/refresh", h.refreshToken)
		r.Post("/revoke", h.revokeToken)
		r.Get("/revoked", h.isRevoked)
	})
	r.Route("/ratelimit", func(r chi.Router) {
		r.Post("/check", h.rateLimitCheck)
		r.Post("/reset", h.rateLimitReset)
		r.Post("/unblock", h.unblock)
	})
	r.Post("/threat/assess", h.assess)
	r.Route("/connectivity", func(r chi.Router) {
		r.Post("/check", h.connectivityCheck)
		r.Route("/{installationID}", func(r chi.Router) {
			r.Post("/start", h.startMonitoring)
			r.Post("/stop", h.stopMonitoring)
			r.Get("/status", h.connectivityStatus)
		})
	})
}

func (h *Handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	profile := license.InstallationProfile{
		ID:   req.InstallationID,
		Name: req.InstallationName,
	}
	token, err := h.tokens.Issue(r.Context(), profile, req.HardwareFingerprint, req.Business)
	if err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"token": token})
}

func (h *Handlers) validateToken(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	claims, err := h.tokens.Validate(r.Context(), req.Token, req.HardwareFingerprint)
	if err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}
	render.JSON(w, r, claims)
}

func (h *Handlers) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	token, err := h.tokens.Refresh(r.Context(), req.Token, req.HardwareFingerprint)
	if err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}
	if token == "" {
		// Not yet inside the refresh window; the current token stands.
		render.JSON(w, r, map[string]any{"refreshed": false})
		return
	}
	render.JSON(w, r, map[string]any{"refreshed": true, "token": token})
}

func (h *Handlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	if err := h.tokens.Revoke(r.Context(), req.Token, req.Reason); err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}
	render.NoContent(w, r)
}

func (h *Handlers) isRevoked(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		render.Render(w, r, apperrors.InvalidRequest(errTokenRequired))
		return
	}

	revoked, err := h.tokens.IsRevoked(r.Context(), token)
	if err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}
	render.JSON(w, r, map[string]bool{"revoked": revoked})
}

func (h *Handlers) rateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req RateLimitCheckRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	decision, err := h.limiter.Check(r.Context(), req.EndpointClass(), req.Identifier, req.IP)
	if err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}
	render.JSON(w, r, decisionResponse(decision))
}

func (h *Handlers) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req RateLimitResetRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	h.limiter.Reset(r.Context(), ratelimit.Class(req.Class), req.Identifier)
	render.NoContent(w, r)
}

func (h *Handlers) unblock(w http.ResponseWriter, r *http.Request) {
	var req UnblockRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	h.limiter.Unblock(r.Context(), req.IP)
	render.NoContent(w, r)
}

func (h *Handlers) assess(w http.ResponseWriter, r *http.Request) {
	var req ThreatAssessRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}

	assessment, err := h.assessor.Assess(r.Context(), req.InstallationID, req.EventContext)
	if err != nil {
		render.Render(w, r, apperrors.Renderer(err))
		return
	}
	if assessment == nil {
		// No risk signal; absence of an assessment is the result.
		render.NoContent(w, r)
		return
	}
	render.JSON(w, r, assessment)
}

func (h *Handlers) startMonitoring(w http.ResponseWriter, r *http.Request) {
	installationID := chi.URLParam(r, "installationID")
	if installationID == "" {
		render.Render(w, r, apperrors.InvalidRequest(errInvalidID))
		return
	}

	// The body is optional; monitoring without a bound token is valid.
	var req StartMonitoringRequest
	if r.ContentLength > 0 {
		if err := render.Bind(r, &req); err != nil {
			render.Render(w, r, apperrors.InvalidRequest(err))
			return
		}
	}

	if err := h.registry.Start(r.Context(), installationID, req.Token); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"installation_id": installationID, "monitoring": "started"})
}

func (h *Handlers) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	installationID := chi.URLParam(r, "installationID")
	if err := h.registry.Stop(installationID); err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}
	render.NoContent(w, r)
}

func (h *Handlers) connectivityStatus(w http.ResponseWriter, r *http.Request) {
	installationID := chi.URLParam(r, "installationID")
	state, err := h.registry.Status(installationID)
	if err != nil {
		render.Render(w, r, apperrors.InvalidRequest(err))
		return
	}
	render.JSON(w, r, state)
}

func (h *Handlers) connectivityCheck(w http.ResponseWriter, r *http.Request) {
	var outcome *connectivity.Outcome
	if r.URL.Query().Get("quick") == "true" {
		outcome = h.prober.Quick(r.Context())
	} else {
		outcome = h.prober.Check(r.Context())
	}
	render.JSON(w, r, outcome)
}

// decisionResponse shapes a limiter decision for the wire.
func decisionResponse(d *ratelimit.Decision) map[string]any {
	resp := map[string]any{
		"allowed": d.Allowed,
		"class":   string(d.Class),
	}
	if d.Allowed {
		resp["remaining"] = d.Remaining
		if !d.ResetAt.IsZero() {
			resp["reset_at"] = d.ResetAt.UTC().Format(time.RFC3339)
		}
	}
	return resp
}
