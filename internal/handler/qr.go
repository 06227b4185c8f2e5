package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 300

// GET /utils/qr.png?data=...
func (h *Handler) QRImage(c echo.Context) error {
	data := c.QueryParam("data")
	if data == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Missing data", "VALIDATION_ERROR", "")
	}
	png, err := qrcode.Encode(data, qrcode.Medium, qrSize)
	if err != nil {
		h.logger.Warn().Err(err).Msg("qr encode failed")
		return ErrorResponse(c, http.StatusInternalServerError, "QR encode error", "QR_ENCODE_FAILED", err.Error())
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}
