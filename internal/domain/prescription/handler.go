package prescription

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caremesh/caremesh/internal/platform/auth"
	"github.com/caremesh/caremesh/internal/platform/db"
)

type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RoleAdmin))
	g.POST("/prescriptions", h.Submit)
	g.POST("/orders/:id/submit", h.RetrySubmit)
	g.GET("/orders/:id", h.GetOrder)
}

func (h *Handler) Submit(c echo.Context) error {
	req := new(SubmitRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(CodeValidation, "malformed request body"))
	}

	actor := auth.ActorFromContext(c.Request().Context())
	result, err := h.svc.Submit(c.Request().Context(), actor, req)
	if err != nil {
		return h.writeError(c, err)
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	return c.JSON(status, result)
}

func (h *Handler) RetrySubmit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(CodeValidation, "invalid order id"))
	}

	actor := auth.ActorFromContext(c.Request().Context())
	result, err := h.svc.RetrySubmit(c.Request().Context(), actor, id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(CodeValidation, "invalid order id"))
	}

	actor := auth.ActorFromContext(c.Request().Context())
	order, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

// writeError maps service errors to the response taxonomy: 4xx for
// actionable rejections, 502 for recoverable external failures, 503 with
// Retry-After for exhausted transient retries, 500 otherwise with detail
// only in the logs.
func (h *Handler) writeError(c echo.Context, err error) error {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return c.JSON(reqErr.Status, errBody(reqErr.Code, reqErr.Detail))
	}

	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		body := errBody(CodeSubmissionFailed, subErr.Reason)
		body["order"] = subErr.Order
		body["recoverable"] = true
		return c.JSON(http.StatusBadGateway, body)
	}

	if errors.Is(err, ErrOrderNotFound) {
		return c.JSON(http.StatusNotFound, errBody("ORDER_NOT_FOUND", "order not found"))
	}

	if db.IsTransient(err) {
		c.Response().Header().Set("Retry-After", "5")
		return c.JSON(http.StatusServiceUnavailable, errBody("SERVICE_BUSY", "service busy, retry later"))
	}

	h.log.Error().Err(err).Msg("prescription request failed")
	return c.JSON(http.StatusInternalServerError, errBody("INTERNAL", "internal error"))
}

func errBody(code, detail string) map[string]any {
	return map[string]any{"code": code, "error": detail}
}
