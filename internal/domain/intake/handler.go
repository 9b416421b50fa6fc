package intake

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxPayloadBytes bounds how much of an arbitrary webhook body is read.
const maxPayloadBytes = 1 << 20

type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the webhook ingress. The caller applies the shared
// secret and rate-limit middleware to the group.
func (h *Handler) RegisterRoutes(webhooks *echo.Group) {
	webhooks.POST("/weightloss-intake", h.Receive)
}

func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	result, err := h.svc.Process(c.Request().Context(), c.QueryParam("clinic"), body)
	if err != nil {
		code := CodeDBError
		var pe *PipelineError
		if errors.As(err, &pe) {
			code = pe.Code
		}
		// Critical-path detail stays in the logs; the body carries only the
		// code the sender can act on.
		h.log.Error().Err(err).Str("request_id", requestID).Str("code", code).
			Msg("intake pipeline failed")
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"success":   false,
			"requestId": requestID,
			"code":      code,
			"error":     "intake processing failed",
		})
	}

	resp := map[string]any{
		"success":   true,
		"requestId": requestID,
		"patient":   result.Patient,
		"submission": map[string]any{
			"id":        result.Submission.ID,
			"type":      result.Submission.Type,
			"qualified": result.Submission.Qualified,
		},
	}
	if result.Document != nil {
		resp["document"] = result.Document
	}
	if result.SOAPNoteID != "" {
		resp["soapNote"] = result.SOAPNoteID
	}
	if len(result.Warnings) > 0 {
		resp["warnings"] = result.Warnings
	}
	return c.JSON(http.StatusOK, resp)
}
