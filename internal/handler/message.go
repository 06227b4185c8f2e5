package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/middleware"
	"gowa-gateway/internal/queue"
	"gowa-gateway/internal/service"
	"gowa-gateway/internal/webhook"

	"github.com/labstack/echo/v4"
)

// Recipient is shared by every send route.
type Recipient struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
}

type SendTextRequest struct {
	Recipient
	Text     string   `json:"text"`
	Mentions []string `json:"mentions"`
}

type SendMediaRequest struct {
	Recipient
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"` // image, video, audio, document
	Caption   string `json:"caption"`
	FileName  string `json:"fileName"`
}

type SendGIFRequest struct {
	Recipient
	VideoURL string `json:"videoUrl"`
	Caption  string `json:"caption"`
}

type SendLocationRequest struct {
	Recipient
	Lat     webhook.FlexFloat `json:"lat"`
	Lng     webhook.FlexFloat `json:"lng"`
	Name    string            `json:"name"`
	Address string            `json:"address"`
}

type SendStickerRequest struct {
	Recipient
	ImageURL string `json:"imageUrl"`
	WebpURL  string `json:"webpUrl"`
}

type SendVCardRequest struct {
	Recipient
	Contact *webhook.Contact `json:"contact"`
}

// SendRawRequest carries a protocol-native message. Key, when set, is the
// message being quoted.
type SendRawRequest struct {
	Recipient
	Message json.RawMessage    `json:"message"`
	Key     *adapter.MessageKey `json:"key"`
}

// POST /api/messages/text
func (h *Handler) SendText(c echo.Context) error {
	var req SendTextRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.Text == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'text' is required", "VALIDATION_ERROR", "")
	}
	return h.deliver(c, req.Recipient, webhook.Action{Type: "text", Text: req.Text, Mentions: req.Mentions}, nil)
}

// POST /api/messages/media
func (h *Handler) SendMedia(c echo.Context) error {
	var req SendMediaRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.MediaURL == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'mediaUrl' is required", "VALIDATION_ERROR", "")
	}

	action := webhook.Action{Type: "media", MediaType: req.MediaType, URL: req.MediaURL, Caption: req.Caption}
	switch req.MediaType {
	case "image", "video", "audio":
	case "document":
		action.Type = "document"
		action.Filename = req.FileName
	default:
		return ErrorResponse(c, http.StatusBadRequest, "Unsupported mediaType", "VALIDATION_ERROR",
			"mediaType must be one of image, video, audio, document")
	}
	return h.deliver(c, req.Recipient, action, nil)
}

// POST /api/messages/gif
func (h *Handler) SendGIF(c echo.Context) error {
	var req SendGIFRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.VideoURL == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'videoUrl' is required", "VALIDATION_ERROR", "")
	}
	return h.deliver(c, req.Recipient, webhook.Action{Type: "media", MediaType: "gif", URL: req.VideoURL, Caption: req.Caption}, nil)
}

// POST /api/messages/location
func (h *Handler) SendLocation(c echo.Context) error {
	var req SendLocationRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		return ErrorResponse(c, http.StatusBadRequest, "Coordinates out of range", "VALIDATION_ERROR", "")
	}
	return h.deliver(c, req.Recipient, webhook.Action{
		Type:    "location",
		Lat:     req.Lat,
		Lng:     req.Lng,
		Name:    req.Name,
		Address: req.Address,
	}, nil)
}

// POST /api/messages/sticker
func (h *Handler) SendSticker(c echo.Context) error {
	var req SendStickerRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.ImageURL == "" && req.WebpURL == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Provide imageUrl or webpUrl", "VALIDATION_ERROR", "")
	}
	return h.deliver(c, req.Recipient, webhook.Action{Type: "sticker", ImageURL: req.ImageURL, WebpURL: req.WebpURL}, nil)
}

// POST /api/messages/vcard
func (h *Handler) SendVCard(c echo.Context) error {
	var req SendVCardRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.Contact == nil {
		req.Contact = &webhook.Contact{}
	}
	return h.deliver(c, req.Recipient, webhook.Action{Type: "vcard", Contact: req.Contact}, nil)
}

// POST /api/messages/forward, /api/messages/raw
func (h *Handler) SendRaw(c echo.Context) error {
	var req SendRawRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if len(req.Message) == 0 {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'message' is required", "VALIDATION_ERROR", "")
	}
	var quote *adapter.Quote
	if req.Key != nil && req.Key.ID != "" {
		quote = &adapter.Quote{ID: req.Key.ID, Sender: firstNonEmpty(req.Key.Participant, req.Key.RemoteJID)}
	}
	return h.deliver(c, req.Recipient, webhook.Action{Type: "raw", Message: req.Message}, quote)
}

// deliver validates the recipient, builds the content and waits for the
// session queue to send it.
func (h *Handler) deliver(c echo.Context, r Recipient, action webhook.Action, quote *adapter.Quote) error {
	if r.SessionID == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'sessionId' is required", "VALIDATION_ERROR", "")
	}
	to, err := helper.NormalizeJID(r.To)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid recipient", "INVALID_PHONE", err.Error())
	}

	ctx := c.Request().Context()
	actor := middleware.ActorFrom(c)
	// check access before downloading anything
	if _, err := h.mgr.Authorize(actor, r.SessionID); err != nil {
		return serviceError(c, err)
	}

	content, err := service.ContentForAction(ctx, h.fetch, action)
	if err != nil {
		if errors.Is(err, helper.ErrMediaFetch) {
			return ErrorResponse(c, http.StatusBadGateway, "Failed to download media", "MEDIA_FETCH_FAILED", err.Error())
		}
		return ErrorResponse(c, http.StatusBadRequest, "Invalid message content", "INVALID_CONTENT", err.Error())
	}
	content.Quote = quote

	res, err := h.mgr.Send(ctx, actor, r.SessionID, to, content)
	if err != nil {
		return sendError(c, err)
	}

	return SuccessResponse(c, http.StatusOK, "Message sent", map[string]interface{}{
		"sessionId": r.SessionID,
		"to":        to,
		"messageId": res.ID,
		"timestamp": res.Timestamp.Format(time.RFC3339),
	})
}

// sendError separates protocol rejections from session state errors.
func sendError(c echo.Context, err error) error {
	if isServiceError(err) {
		return serviceError(c, err)
	}
	return ErrorResponse(c, http.StatusBadGateway, "Failed to send message", "SEND_FAILED", err.Error())
}

func isServiceError(err error) bool {
	for _, target := range []error{
		service.ErrSessionNotFound,
		service.ErrForbidden,
		service.ErrNotConnected,
		service.ErrShuttingDown,
		service.ErrInvalidID,
		queue.ErrClosed,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
