package http

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/ratelimit"
)

var validate = validator.New()

// IssueRequest is the payload for POST /license/issue.
type IssueRequest struct {
	InstallationID      string               `json:"installation_id" validate:"required,min=3"`
	InstallationName    string               `json:"installation_name" validate:"required"`
	HardwareFingerprint string               `json:"hardware_fingerprint" validate:"required"`
	Business            license.BusinessData `json:"business"`
}

// Bind implements render.Binder.
func (req *IssueRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// ValidateRequest is the payload for POST /license/validate.
type ValidateRequest struct {
	Token               string `json:"token" validate:"required"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
}

// Bind implements render.Binder.
func (req *ValidateRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// RefreshRequest is the payload for POST /license/refresh.
type RefreshRequest struct {
	Token               string `json:"token" validate:"required"`
	HardwareFingerprint string `json:"hardware_fingerprint" validate:"required"`
}

// Bind implements render.Binder.
func (req *RefreshRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// RevokeRequest is the payload for POST /license/revoke.
type RevokeRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason" validate:"required,oneof=manual emergency"`
}

// Bind implements render.Binder.
func (req *RevokeRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// RateLimitCheckRequest is the payload for POST /ratelimit/check.
type RateLimitCheckRequest struct {
	Class      string `json:"class" validate:"required,oneof=auth bulk general"`
	Identifier string `json:"identifier" validate:"required"`
	IP         string `json:"ip" validate:"omitempty,ip"`
}

// Bind implements render.Binder.
func (req *RateLimitCheckRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// EndpointClass converts the validated class string.
func (req *RateLimitCheckRequest) EndpointClass() ratelimit.Class {
	return ratelimit.Class(req.Class)
}

// RateLimitResetRequest is the payload for POST /ratelimit/reset.
type RateLimitResetRequest struct {
	Class      string `json:"class" validate:"required,oneof=auth bulk general"`
	Identifier string `json:"identifier" validate:"required"`
}

// Bind implements render.Binder.
func (req *RateLimitResetRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// UnblockRequest is the payload for POST /ratelimit/unblock.
type UnblockRequest struct {
	IP string `json:"ip" validate:"required,ip"`
}

// Bind implements render.Binder.
func (req *UnblockRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// StartMonitoringRequest is the optional payload for POST
// /connectivity/{installationID}/start. A token, when supplied, is bound
// into offline sessions so reconnection can refresh it.
type StartMonitoringRequest struct {
	Token string `json:"token"`
}

// Bind implements render.Binder.
func (req *StartMonitoringRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// ThreatAssessRequest is the payload for POST /threat/assess.
type ThreatAssessRequest struct {
	InstallationID string         `json:"installation_id" validate:"required"`
	EventContext   map[string]any `json:"event_context"`
}

// Bind implements render.Binder.
func (req *ThreatAssessRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// Guard errors for parameters that arrive outside JSON bodies.
var (
	errInvalidID     = errors.New("installation id is required")
	errTokenRequired = errors.New("token query parameter is required")
)
