package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/middleware"

	"github.com/labstack/echo/v4"
)

const (
	maxUploadBytes   = 25 << 20
	defaultFileDelay = 1200 * time.Millisecond
	minFileDelay     = 300 * time.Millisecond
	maxFileDelay     = 10 * time.Second
)

type uploadedFile struct {
	Data     []byte
	Mimetype string
	Filename string
}

// uploadForm is what the multipart or raw body of /media/file carries.
type uploadForm struct {
	fields map[string][]string
	files  []uploadedFile
}

func (f *uploadForm) get(name string) string {
	if v := f.fields[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (f *uploadForm) set(name, value string) {
	f.fields[name] = []string{value}
}

// FileResult reports one file of a media/file upload.
type FileResult struct {
	Index    int    `json:"index"`
	OK       bool   `json:"ok"`
	FileName string `json:"fileName,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Size     int    `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

// POST /api/messages/media/file
//
// multipart/form-data: any number of file parts plus the fields sessionId,
// to, caption, captions[] (per file), delayMs, mediaType, text and meta (JSON).
// Any other content type: the body is one file, metadata comes from the query.
func (h *Handler) SendMediaFile(c echo.Context) error {
	req := c.Request()
	isMultipart := strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)

	var form *uploadForm
	var err error
	if isMultipart {
		form, err = readMultipart(req)
	} else {
		form, err = readRawUpload(c)
	}
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid upload", "INVALID_REQUEST", err.Error())
	}

	sessionID, toRaw := form.get("sessionId"), form.get("to")
	if sessionID == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'sessionId' is required", "VALIDATION_ERROR", "")
	}
	to, err := helper.NormalizeJID(toRaw)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid recipient", "INVALID_PHONE", err.Error())
	}

	ctx := req.Context()
	actor := middleware.ActorFrom(c)
	if _, err := h.mgr.Authorize(actor, sessionID); err != nil {
		return serviceError(c, err)
	}

	// tanpa file: kirim teks saja
	if len(form.files) == 0 {
		text := firstNonEmpty(form.get("text"), form.get("caption"))
		if text == "" {
			return ErrorResponse(c, http.StatusBadRequest, "No file provided and no text", "VALIDATION_ERROR", "")
		}
		if _, err := h.mgr.Send(ctx, actor, sessionID, to, adapter.Content{Kind: adapter.ContentText, Text: text}); err != nil {
			return sendError(c, err)
		}
		return SuccessResponse(c, http.StatusOK, "Text sent", map[string]interface{}{
			"sessionId": sessionID,
			"to":        to,
			"sent":      "text-only",
		})
	}

	delay := clampDelay(form.get("delayMs"))
	captions := captionList(form.fields["captions"])
	hint := form.get("mediaType")

	results := make([]FileResult, 0, len(form.files))
	okCount := 0
	for i, f := range form.files {
		res := FileResult{Index: i, FileName: f.Filename, Mime: f.Mimetype, Size: len(f.Data)}
		if len(f.Data) == 0 {
			res.Error = "empty file"
			results = append(results, res)
			continue
		}

		caption := form.get("caption")
		if i < len(captions) {
			caption = captions[i]
		}
		content, err := fileContent(f, mediaTypeFor(hint, f), caption)
		if err == nil {
			_, err = h.mgr.Send(ctx, actor, sessionID, to, content)
		}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
			okCount++
		}
		results = append(results, res)

		if i < len(form.files)-1 {
			if err := h.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	status := http.StatusOK
	message := "Files sent"
	if okCount < len(form.files) {
		status = http.StatusMultiStatus
		message = "Some files failed"
	}
	return c.JSON(status, Response{
		Success: okCount == len(form.files),
		Message: message,
		Data: map[string]interface{}{
			"sessionId": sessionID,
			"to":        to,
			"sent":      okCount,
			"total":     len(form.files),
			"delayMs":   delay.Milliseconds(),
			"results":   results,
		},
	})
}

// readMultipart streams the parts in order, so files keep the order the
// client sent them in.
func readMultipart(req *http.Request) (*uploadForm, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, err
	}
	form := &uploadForm{fields: make(map[string][]string)}
	var total int64
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(part, maxUploadBytes-total+1))
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		total += int64(len(data))
		if total > maxUploadBytes {
			return nil, fmt.Errorf("upload larger than %d MB", maxUploadBytes>>20)
		}

		if name := part.FileName(); name != "" {
			form.files = append(form.files, uploadedFile{
				Data:     data,
				Mimetype: fileMime(data, part.Header.Get(echo.HeaderContentType), name),
				Filename: name,
			})
			continue
		}
		key := strings.TrimSuffix(part.FormName(), "[]")
		if key == "" {
			continue
		}
		form.fields[key] = append(form.fields[key], string(data))
	}

	if meta := form.get("meta"); meta != "" {
		var extra map[string]interface{}
		if json.Unmarshal([]byte(meta), &extra) == nil {
			for k, v := range extra {
				switch val := v.(type) {
				case string:
					form.set(k, val)
				case float64:
					form.set(k, strconv.FormatFloat(val, 'f', -1, 64))
				case []interface{}:
					list := make([]string, 0, len(val))
					for _, item := range val {
						list = append(list, fmt.Sprint(item))
					}
					form.fields[k] = list
				}
			}
		}
	}
	return form, nil
}

// readRawUpload treats the whole body as one file described by the query.
func readRawUpload(c echo.Context) (*uploadForm, error) {
	form := &uploadForm{fields: make(map[string][]string)}
	for _, k := range []string{"sessionId", "to", "caption", "mediaType", "delayMs", "text", "fileName"} {
		if v := c.QueryParam(k); v != "" {
			form.set(k, v)
		}
	}

	req := c.Request()
	if req.Body == nil {
		return form, nil
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUploadBytes {
		return nil, fmt.Errorf("upload larger than %d MB", maxUploadBytes>>20)
	}
	if len(data) == 0 {
		return form, nil
	}

	declared := req.Header.Get(echo.HeaderContentType)
	mt := fileMime(data, declared, form.get("fileName"))
	name := form.get("fileName")
	if name == "" {
		name = "file." + helper.ExtensionFor(mt)
	}
	form.files = []uploadedFile{{Data: data, Mimetype: mt, Filename: name}}
	return form, nil
}

// fileMime trusts the declared type, then the file extension, then the bytes.
func fileMime(data []byte, declared, filename string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil &&
		mt != "application/octet-stream" && !strings.HasPrefix(mt, "multipart/") {
		return mt
	}
	if ext := path.Ext(filename); ext != "" {
		if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
			return strings.SplitN(mt, ";", 2)[0]
		}
	}
	return helper.DetectMime(data, "")
}

func mediaTypeFor(hint string, f uploadedFile) string {
	switch hint {
	case "image", "video", "audio", "document", "gif":
		return hint
	}
	switch {
	case f.Mimetype == "image/gif" || strings.EqualFold(path.Ext(f.Filename), ".gif"):
		return "gif"
	case strings.HasPrefix(f.Mimetype, "image/"):
		return "image"
	case strings.HasPrefix(f.Mimetype, "video/"):
		return "video"
	case strings.HasPrefix(f.Mimetype, "audio/"):
		return "audio"
	}
	return "document"
}

func fileContent(f uploadedFile, mediaType, caption string) (adapter.Content, error) {
	c := adapter.Content{Data: f.Data, Mimetype: f.Mimetype, Caption: caption}
	switch mediaType {
	case "image":
		c.Kind = adapter.ContentImage
	case "video":
		c.Kind = adapter.ContentVideo
	case "gif":
		c.Kind = adapter.ContentVideo
		c.GIF = true
	case "audio":
		c.Kind = adapter.ContentAudio
		c.PTT = true
		c.Caption = ""
	case "document":
		c.Kind = adapter.ContentDocument
		c.Filename = f.Filename
		if c.Filename == "" {
			c.Filename = "file." + helper.ExtensionFor(f.Mimetype)
		}
	default:
		return adapter.Content{}, fmt.Errorf("unsupported mediaType %q", mediaType)
	}
	return c, nil
}

// clampDelay parses delayMs, defaulting to 1200ms and clamping to [300ms, 10s].
func clampDelay(raw string) time.Duration {
	if raw == "" {
		return defaultFileDelay
	}
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return minFileDelay
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minFileDelay {
		return minFileDelay
	}
	if d > maxFileDelay {
		return maxFileDelay
	}
	return d
}

// captionList accepts repeated fields or a single JSON array.
func captionList(values []string) []string {
	if len(values) == 1 && strings.HasPrefix(values[0], "[") {
		var list []string
		if json.Unmarshal([]byte(values[0]), &list) == nil {
			return list
		}
	}
	return values
}
