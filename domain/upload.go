package domain

import (
	"path/filepath"
	"slices"
	"strings"
)

// Client-side upload constraints. They mirror the backend limits but are only hints; the backend
// remains the authority.
const (
	SoftMaxUploadBytes = int64(5 * 1024 * 1024) // 5 MiB
	UploadFieldName    = "file"
)

// AllowedExtensions is the picker allow-list for uploads.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// Upload is a single image selected for analysis.
type Upload struct {
	Name        string // Base file name sent in the multipart part
	ContentType string // Declared content type of the payload
	Data        []byte // Complete payload
}

// Size returns the payload length in bytes.
func (u *Upload) Size() int64 {
	return int64(len(u.Data))
}

// OverSoftLimit reports whether the payload exceeds the advertised 5 MiB limit.
func (u *Upload) OverSoftLimit() bool {
	return u.Size() > SoftMaxUploadBytes
}

// HasAllowedExtension reports whether name ends in one of AllowedExtensions, ignoring case.
func HasAllowedExtension(name string) bool {
	return slices.Contains(AllowedExtensions, strings.ToLower(filepath.Ext(name)))
}
