package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"coupon-service/internal/features"
	"coupon-service/internal/models"
	"coupon-service/internal/service"
	"coupon-service/internal/settlement"
	"coupon-service/internal/template"
	"coupon-service/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	coupons     *service.Service
	templates   *template.Service
	engine      *settlement.Engine
	flags       *features.Manager
	log         *zap.Logger
	maxBodySize int64
}

// Deps holds the collaborators served over HTTP.
type Deps struct {
	Coupons   *service.Service
	Templates *template.Service
	Engine    *settlement.Engine
	Features  *features.Manager
	Log       *zap.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 10 << 20, // 10MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(deps Deps) *Handler {
	return NewHandlerWithOptions(deps, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(deps Deps, opts NewHandlerOptions) *Handler {
	return &Handler{
		coupons:     deps.Coupons,
		templates:   deps.Templates,
		engine:      deps.Engine,
		flags:       deps.Features,
		log:         deps.Log.Named("handler"),
		maxBodySize: opts.MaxBodySize,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Post("/", h.BuildTemplate)
		r.Get("/", h.ListTemplates)
		r.Get("/{template_id}", h.GetTemplate)
	})

	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Get("/coupons", h.FindCoupons)
		r.Post("/coupons", h.AcquireCoupon)
		r.Get("/templates", h.AvailableTemplates)
		r.Post("/settlements", h.Settle)
	})

	r.Post("/settlements/compute", h.ComputeSettlement)

	r.Route("/features", func(r chi.Router) {
		r.Get("/", h.ListFeatures)
		r.Put("/{name}", h.SetFeature)
	})

	r.Get("/health", h.Health)
}

// BuildTemplate handles POST /templates
func (h *Handler) BuildTemplate(w http.ResponseWriter, r *http.Request) {
	var req models.TemplateRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.Name = validation.SanitizeString(req.Name)
	req.Logo = validation.SanitizeString(req.Logo)
	req.Desc = validation.SanitizeString(req.Desc)
	req.Rule.Usage.Province = validation.SanitizeString(req.Rule.Usage.Province)
	req.Rule.Usage.City = validation.SanitizeString(req.Rule.Usage.City)

	tpl, err := h.templates.Build(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, tpl)
}

// GetTemplate handles GET /templates/{template_id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(chi.URLParam(r, "template_id"), "template_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	tpl, err := h.templates.Info(r.Context(), int(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, tpl)
}

// ListTemplates handles GET /templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if templates == nil {
		templates = []models.Template{}
	}

	h.respondJSON(w, http.StatusOK, templates)
}

// FindCoupons handles GET /users/{user_id}/coupons?status=
func (h *Handler) FindCoupons(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status, err := validation.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	coupons, err := h.coupons.FindCoupons(r.Context(), userID, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.CouponsResponse{
		UserID:  userID,
		Status:  status,
		Coupons: coupons,
	})
}

// AcquireCoupon handles POST /users/{user_id}/coupons
func (h *Handler) AcquireCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req models.AcquireRequest
	if !h.decode(w, r, &req) {
		return
	}

	coupon, err := h.coupons.Acquire(r.Context(), userID, req.TemplateID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, coupon)
}

// AvailableTemplates handles GET /users/{user_id}/templates
func (h *Handler) AvailableTemplates(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	resp, err := h.coupons.AvailableTemplates(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// Settle handles POST /users/{user_id}/settlements
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var info models.SettlementInfo
	if !h.decode(w, r, &info) {
		return
	}
	if info.UserID != 0 && info.UserID != userID {
		h.respondError(w, http.StatusBadRequest, "user_id in body does not match path")
		return
	}
	info.UserID = userID

	result, err := h.coupons.Settle(r.Context(), info)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// ComputeSettlement handles POST /settlements/compute. The request carries
// its own templates and never touches the cache.
func (h *Handler) ComputeSettlement(w http.ResponseWriter, r *http.Request) {
	var info models.SettlementInfo
	if !h.decode(w, r, &info) {
		return
	}

	if err := validation.ValidateSettlement(info); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.engine.Compute(info)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// ListFeatures handles GET /features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.flags.GetAll())
}

// SetFeature handles PUT /features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	name := validation.SanitizeString(chi.URLParam(r, "name"))

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		h.respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if !h.flags.Set(name, *body.Enabled) {
		h.respondError(w, http.StatusNotFound, "unknown feature "+strconv.Quote(name))
		return
	}
	h.log.Info("feature flag changed", zap.String("name", name), zap.Bool("enabled", *body.Enabled))

	h.respondJSON(w, http.StatusOK, features.FeatureFlag{Name: name, Enabled: *body.Enabled})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := validation.ParseID(chi.URLParam(r, "user_id"), "user_id")
	if err != nil {
		h.fail(w, r, err)
		return 0, false
	}
	return id, true
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &tooLarge):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// fail maps err to a status code and writes it. Internal failures are
// logged and hidden from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		h.respondError(w, status, "internal error")
		return
	}
	h.respondError(w, status, err.Error())
}

// StatusFor returns the HTTP status code for err.
func StatusFor(err error) int {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr), models.ErrInvalidArgument.Has(err):
		return http.StatusBadRequest
	case models.ErrNotFound.Has(err):
		return http.StatusNotFound
	case models.ErrLimitExceeded.Has(err), models.ErrConsistency.Has(err):
		return http.StatusConflict
	case models.ErrCodeExhausted.Has(err):
		return http.StatusGone
	case models.ErrUnsupportedCombination.Has(err):
		return http.StatusUnprocessableEntity
	case models.ErrUnavailable.Has(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn("failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
