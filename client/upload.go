package client

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tfkr-ae/lensgate/domain"
)

// OpenUpload reads the file at path as an Upload. Extensions outside the picker allow-list are
// rejected. The content type is sniffed from the payload and falls back to the extension. Files
// above the soft limit are only logged, the backend decides whether they are too large.
func (c *Client) OpenUpload(path string) (*domain.Upload, error) {
	name := filepath.Base(path)
	if !domain.HasAllowedExtension(name) {
		return nil, fmt.Errorf("%w : %s", ErrUnsupportedType, name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading upload %s : %w", path, err)
	}

	upload := &domain.Upload{
		Name:        name,
		ContentType: contentType(name, data),
		Data:        data,
	}
	if upload.OverSoftLimit() {
		c.Logger.Warn("upload is larger than the advertised limit",
			"file", name, "bytes", upload.Size(), "limit", domain.SoftMaxUploadBytes)
	}
	return upload, nil
}

func contentType(name string, data []byte) string {
	detected := mimetype.Detect(data)
	if strings.HasPrefix(detected.String(), "image/") {
		return detected.String()
	}
	if byExtension := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExtension != "" {
		return byExtension
	}
	return detected.String()
}
