package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/api/respond"
	"github.com/farelens/farelens-alerts/internal/auth"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	// maxPage keeps (page-1)*perPage far from int overflow.
	maxPage = 10000
)

// RunScan runs one scan cycle synchronously.
// @Summary Run a scan cycle
// @Description Runs one alert scan cycle and returns its ScanResult. Requires a service-role token. Returns 409 if a cycle is already running.
// @Tags scan
// @Produce json
// @Security BearerAuth
// @Success 200 {object} alerts.ScanResult
// @Failure 409 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /api/v1/scan [post]
func (h *Handler) RunScan(w http.ResponseWriter, r *http.Request) {
	// The cycle owns its own deadline; a disconnecting client must not
	// abandon a half-dispatched batch.
	res, err := h.sched.RunCycle(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, alerts.ErrScanInProgress):
		respond.WriteError(w, http.StatusConflict, "SCAN_IN_PROGRESS", "A scan cycle is already running")
	case err != nil:
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "SCAN_FAILED", "Scan cycle failed", err.Error())
	default:
		respond.WriteJSONObject(w, http.StatusOK, res)
	}
}

// quotaResponse is the body of GET /alerts/quota.
type quotaResponse struct {
	alerts.QuotaStatus
	Tier          string `json:"tier"`
	Remaining     int    `json:"remaining"`
	OverridesLeft int    `json:"overrides_left"`
}

// GetQuota returns the caller's alert quota for their current local day.
// @Summary Get today's alert quota
// @Description Returns used and remaining regular alerts plus exceptional overrides for the caller's local calendar day.
// @Tags alerts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} quotaResponse
// @Failure 404 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /api/v1/alerts/quota [get]
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}
	st, err := h.sched.Quota().Status(r.Context(), p, h.sched.Now())
	if err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "QUOTA_UNAVAILABLE", "Quota store unavailable")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, quotaResponse{
		QuotaStatus:   st,
		Tier:          string(p.Tier),
		Remaining:     st.Remaining(),
		OverridesLeft: st.OverridesLeft(),
	})
}

// GetHistory returns the caller's delivered alerts, newest first.
// @Summary Get alert history
// @Description Returns the caller's delivered alerts, newest first, paginated.
// @Tags alerts
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page number (1-based, max 10000)"
// @Param per_page query int false "Page size (max 100)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/alerts/history [get]
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 || page > maxPage {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_PAGE", "page must be between 1 and 10000")
		return
	}
	perPage, err := queryInt(r, "per_page", defaultPerPage)
	if err != nil || perPage < 1 || perPage > maxPerPage {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_PER_PAGE", "per_page must be between 1 and 100")
		return
	}

	recs, total, err := h.ledger.History(r.Context(), id.UserID, perPage, (page-1)*perPage)
	if err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Alert history unavailable")
		return
	}
	if recs == nil {
		recs = []alerts.AlertRecord{}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"alerts":   recs,
		"page":     page,
		"per_page": perPage,
		"total":    total,
	})
}

// MarkClicked records that the caller opened an alert.
// @Summary Mark alert clicked
// @Description Sets was_clicked on one of the caller's delivered alerts.
// @Tags alerts
// @Security BearerAuth
// @Param id path string true "Alert record id"
// @Success 204
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/v1/alerts/{id}/click [post]
func (h *Handler) MarkClicked(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_ID", "Alert id must be a UUID")
		return
	}

	err = h.ledger.MarkClicked(r.Context(), id.UserID, recordID.String())
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Alert not found")
	case err != nil:
		respond.WriteError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Alert ledger unavailable")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type airportsRequest struct {
	Airports []alerts.AirportWeight `json:"airports"`
}

// PutAirports replaces the caller's preferred airports.
// @Summary Update preferred airports
// @Description Replaces the caller's preferred airports. Weights must sum to 1.0 (±0.001) and the count must fit the caller's tier.
// @Tags preferences
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body airportsRequest true "Preferred airports"
// @Success 200 {object} airportsRequest
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Failure 422 {object} respond.ErrorResponse
// @Router /api/v1/alert-preferences/airports [put]
func (h *Handler) PutAirports(w http.ResponseWriter, r *http.Request) {
	var req airportsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON", err.Error())
		return
	}

	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}
	if err := alerts.ValidateAirports(p.Tier, req.Airports, h.sched.Policy()); err != nil {
		respond.WriteErrorDetail(w, http.StatusUnprocessableEntity, "INVALID_AIRPORTS", "Preferred airports rejected", err.Error())
		return
	}

	if err := h.profiles.SetPreferredAirports(r.Context(), p.UserID, req.Airports); err != nil {
		if errors.Is(err, alerts.ErrUserNotFound) {
			respond.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
			return
		}
		respond.WriteError(w, http.StatusServiceUnavailable, "PROFILE_UNAVAILABLE", "Profile store unavailable")
		return
	}
	if req.Airports == nil {
		req.Airports = []alerts.AirportWeight{}
	}
	respond.WriteJSONObject(w, http.StatusOK, req)
}

// PutPreferences updates the caller's alert preferences. Omitted fields
// keep their current values.
// @Summary Update alert preferences
// @Description Updates alerts_enabled, quiet hours, timezone and watchlist-only mode. Watchlist-only mode requires a tier that offers it.
// @Tags preferences
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body alerts.Preferences true "Alert preferences"
// @Success 200 {object} alerts.Preferences
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Failure 422 {object} respond.ErrorResponse
// @Router /api/v1/alert-preferences [put]
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}

	prefs := p.Preferences()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&prefs); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON", err.Error())
		return
	}
	if !alerts.ValidTimezone(prefs.Timezone) {
		respond.WriteError(w, http.StatusUnprocessableEntity, "INVALID_PREFERENCES", "Unknown timezone "+strconv.Quote(prefs.Timezone))
		return
	}
	if err := alerts.ValidateProfile(p.WithPreferences(prefs), h.sched.Policy()); err != nil {
		respond.WriteErrorDetail(w, http.StatusUnprocessableEntity, "INVALID_PREFERENCES", "Alert preferences rejected", err.Error())
		return
	}

	if err := h.profiles.SetPreferences(r.Context(), p.UserID, prefs); err != nil {
		if errors.Is(err, alerts.ErrUserNotFound) {
			respond.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
			return
		}
		respond.WriteError(w, http.StatusServiceUnavailable, "PROFILE_UNAVAILABLE", "Profile store unavailable")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, prefs)
}

var platforms = map[string]bool{"ios": true, "android": true, "web": true, "telegram": true}

const maxTokenLen = 4096

type registerRequest struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type registerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RegisterDevice saves a push token for the caller.
// @Summary Register device for push
// @Description Saves the caller's push token. Re-registering a device_id with a new token retires the old token.
// @Tags alerts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body registerRequest true "Device registration"
// @Success 201 {object} registerResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/v1/alerts/register [post]
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON", err.Error())
		return
	}

	d := alerts.Device{Token: strings.TrimSpace(req.Token), Platform: strings.ToLower(req.Platform)}
	if d.Token == "" || len(d.Token) > maxTokenLen {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_TOKEN", "token is required")
		return
	}
	if !platforms[d.Platform] {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_PLATFORM", "platform must be ios, android, web or telegram")
		return
	}
	if req.DeviceID != "" {
		devID, err := uuid.Parse(req.DeviceID)
		if err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "device_id must be a UUID")
			return
		}
		d.DeviceID = devID.String()
	}

	err := h.devices.RegisterDevice(r.Context(), id.UserID, d)
	switch {
	case errors.Is(err, alerts.ErrUserNotFound):
		respond.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case err != nil:
		respond.WriteError(w, http.StatusServiceUnavailable, "DEVICE_UNAVAILABLE", "Device store unavailable")
	default:
		respond.WriteJSONObject(w, http.StatusCreated, registerResponse{Status: "registered", Message: "Device token saved"})
	}
}

// profileFor loads the caller's profile, writing the error response itself
// when it cannot.
func (h *Handler) profileFor(w http.ResponseWriter, r *http.Request) (alerts.UserAlertProfile, bool) {
	id, _ := auth.FromContext(r.Context())
	p, err := h.profiles.ProfileFor(r.Context(), id.UserID)
	if errors.Is(err, alerts.ErrUserNotFound) {
		respond.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return p, false
	}
	if err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "PROFILE_UNAVAILABLE", "Profile store unavailable")
		return p, false
	}
	return p, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
