// Package imagedata decodes client-supplied image payloads (data URIs or raw
// base64) and sniffs image bytes into a MIME type and file extension.
//
// Decoders for JPEG, PNG, GIF and WebP are registered so image.DecodeConfig
// can confirm that a payload really is an image before it is staged or
// stored.
package imagedata

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder for image.DecodeConfig
	_ "image/jpeg" // register JPEG decoder for image.DecodeConfig
	_ "image/png"  // register PNG decoder for image.DecodeConfig
	"net/http"
	"strings"

	_ "golang.org/x/image/webp" // register WebP decoder for image.DecodeConfig
)

// ErrNotImage is returned when bytes cannot be decoded as a supported image.
var ErrNotImage = errors.New("not a supported image")

// extensions maps sniffed MIME types to the extension used for stored objects.
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Info describes a decoded image payload.
type Info struct {
	MIMEType  string
	Extension string
	Width     int
	Height    int
}

// IsURL reports whether s is an http(s) URL rather than inline data.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// Decode turns a data URI ("data:image/png;base64,....") or a bare base64
// string into raw bytes.
func Decode(data string) ([]byte, error) {
	payload := strings.TrimSpace(data)
	if payload == "" {
		return nil, fmt.Errorf("empty image data")
	}

	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, fmt.Errorf("malformed data URI: missing ','")
		}
		header := payload[:comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("malformed data URI: only base64 payloads are supported")
		}
		payload = payload[comma+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients strip padding.
		if raw, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
	}
	return raw, nil
}

// Sniff identifies the image format of raw bytes and reads its dimensions.
// Returns ErrNotImage if the bytes are not a decodable JPEG, PNG, GIF or WebP.
func Sniff(raw []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	mimeType := "image/" + format
	if format == "jpeg" {
		mimeType = "image/jpeg"
	}
	ext, ok := extensions[mimeType]
	if !ok {
		// DecodeConfig knows the format but we have no stored extension for it.
		mimeType = http.DetectContentType(raw)
		ext = ".bin"
	}

	return Info{
		MIMEType:  mimeType,
		Extension: ext,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}

// Validate checks that data is an http(s) URL or inline data that decodes
// to a supported image. URLs are not fetched.
func Validate(data string) error {
	if IsURL(data) {
		return nil
	}
	raw, err := Decode(data)
	if err != nil {
		return err
	}
	_, err = Sniff(raw)
	return err
}

// ToDataURI returns inline image data as a data URI, adding the MIME prefix
// to bare base64 payloads. URLs and data URIs that hold a supported image
// are returned unchanged.
func ToDataURI(data string) (string, error) {
	if IsURL(data) {
		return data, nil
	}
	raw, err := Decode(data)
	if err != nil {
		return "", err
	}
	info, err := Sniff(raw)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(data, "data:") {
		return data, nil
	}
	return "data:" + info.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}
