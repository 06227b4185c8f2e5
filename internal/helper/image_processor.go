// internal/helper/image_processor.go
package helper

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "github.com/mat/besticon/ico"
)

const (
	StickerDimension      = 512
	MaxStickerSizeKB      = 500
	MaxStickerSizeBytes   = MaxStickerSizeKB * 1024
	MaxDecompressedSizeMB = 50
	MaxDecompressedSize   = MaxDecompressedSizeMB * 1024 * 1024
)

var ErrMaliciousContent = errors.New("malicious content detected in file")

// ToSticker converts an image (jpeg, png, gif, webp, ico) into a sticker:
// fit inside 512x512 without enlarging, encoded as WebP.
func ToSticker(data []byte) ([]byte, error) {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	if DetectMaliciousContent(head) {
		return nil, ErrMaliciousContent
	}

	// webp decoder tidak terdaftar di image.Decode
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unsupported image format or corrupted file")
		}
	}

	if err := ValidateDecompressedSize(img); err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() > StickerDimension || b.Dy() > StickerDimension {
		img = imaging.Fit(img, StickerDimension, StickerDimension, imaging.Lanczos)
	}
	return convertToWebPWithSizeLimit(img)
}

// DetectMaliciousContent scans for embedded scripts or malicious patterns
func DetectMaliciousContent(data []byte) bool {
	content := strings.ToLower(string(data))

	maliciousPatterns := []string{
		"<?php",
		"<script",
		"eval(",
		"base64_decode",
		"shell_exec",
		"<iframe",
		"javascript:",
		"onerror=",
		"onload=",
	}

	for _, pattern := range maliciousPatterns {
		if strings.Contains(content, pattern) {
			return true
		}
	}

	return false
}

// ValidateDecompressedSize prevents decompression bomb attacks
func ValidateDecompressedSize(img image.Image) error {
	bounds := img.Bounds()
	// RGBA = 4 bytes per pixel
	decompressedSize := bounds.Dx() * bounds.Dy() * 4

	if decompressedSize > MaxDecompressedSize {
		return fmt.Errorf("decompression bomb detected: image too large when decompressed (%d MB)", decompressedSize/(1024*1024))
	}
	return nil
}

// convertToWebPWithSizeLimit encodes with decreasing quality until the
// sticker fits the size limit.
func convertToWebPWithSizeLimit(img image.Image) ([]byte, error) {
	qualities := []float32{95, 80, 65, 50}

	for _, quality := range qualities {
		var buf bytes.Buffer
		if err := webp.Encode(&buf, img, &webp.Options{
			Lossless: false,
			Quality:  quality,
		}); err != nil {
			return nil, fmt.Errorf("failed to encode WebP: %w", err)
		}
		if buf.Len() <= MaxStickerSizeBytes {
			return buf.Bytes(), nil
		}
	}

	return nil, fmt.Errorf("unable to compress sticker to %dKB", MaxStickerSizeKB)
}
