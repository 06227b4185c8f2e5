package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

const MaxMediaBytes = 64 << 20

var mediaClient = &http.Client{Timeout: 20 * time.Second}

// ErrMediaFetch wraps every failure to download a remote media file.
var ErrMediaFetch = errors.New("fetch media")

// Media is a downloaded or uploaded file ready to be sent.
type Media struct {
	Data     []byte
	Mimetype string
	Filename string
}

// FetchMedia downloads url, refusing bodies over MaxMediaBytes.
func FetchMedia(ctx context.Context, url string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid media url: %w", err)
	}
	resp, err := mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrMediaFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrMediaFetch, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("%w: larger than %d MB", ErrMediaFetch, MaxMediaBytes>>20)
	}

	name := path.Base(req.URL.Path)
	if name == "/" || name == "." {
		name = ""
	}
	return &Media{
		Data:     data,
		Mimetype: DetectMime(data, resp.Header.Get("Content-Type")),
		Filename: name,
	}, nil
}

// DetectMime prefers a declared type and falls back to content sniffing.
func DetectMime(data []byte, declared string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return strings.SplitN(http.DetectContentType(data), ";", 2)[0]
}

// ExtensionFor derives a filename extension from a MIME subtype.
func ExtensionFor(mimetype string) string {
	if i := strings.Index(mimetype, "/"); i >= 0 && i+1 < len(mimetype) {
		return strings.SplitN(mimetype[i+1:], ";", 2)[0]
	}
	return "bin"
}
