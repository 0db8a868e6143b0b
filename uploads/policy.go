// Package uploads is the attachment storage collaborator: it issues
// pre-signed upload URLs under per-category size and type allow-lists,
// receives the bytes, and confirms that an upload landed before the
// attachment is recorded.
package uploads

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/pawpal/messaging/chat"
)

// A Category allows a set of mime types up to a size limit.
type Category struct {
	Name      string   `yaml:"name"`
	MaxBytes  int64    `yaml:"max_bytes"`
	MimeTypes []string `yaml:"mime_types"`
}

// A Policy is an allow-list of categories.
type Policy []Category

const mb = 1 << 20

// DefaultPolicy allows images up to 10MB, video up to 100MB, and audio and
// PDF documents up to 20MB.
var DefaultPolicy = Policy{
	{Name: "image", MaxBytes: 10 * mb, MimeTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/heic"}},
	{Name: "video", MaxBytes: 100 * mb, MimeTypes: []string{"video/mp4", "video/quicktime", "video/webm"}},
	{Name: "audio", MaxBytes: 20 * mb, MimeTypes: []string{"audio/mpeg", "audio/mp4", "audio/ogg", "audio/wav"}},
	{Name: "document", MaxBytes: 20 * mb, MimeTypes: []string{"application/pdf"}},
}

// Category returns the category allowing mimeType.
func (p Policy) Category(mimeType string) (Category, bool) {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	for _, c := range p {
		if mimetype.EqualsAny(base, c.MimeTypes...) {
			return c, true
		}
	}
	return Category{}, false
}

// Check validates a declared upload against the allow-list.
func (p Policy) Check(mimeType string, size int64) (Category, error) {
	c, ok := p.Category(mimeType)
	if !ok {
		return Category{}, chat.Invalid("mime_type", "%q is not allowed", mimeType)
	}
	if size <= 0 {
		return Category{}, chat.Invalid("size_bytes", "must be positive")
	}
	if size > c.MaxBytes {
		return Category{}, chat.Invalid("size_bytes", "%s uploads are limited to %d bytes", c.Name, c.MaxBytes)
	}
	return c, nil
}
