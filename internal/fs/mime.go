package fs

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const defaultMimeType = "application/octet-stream"

// MimeType guesses a file's mime type from its extension, falling back to
// content sniffing when a buffer is available.
func MimeType(name string, buffer []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			// Strip any charset parameter; the catalog stores bare types.
			if i := strings.IndexByte(t, ';'); i >= 0 {
				t = strings.TrimSpace(t[:i])
			}
			return t
		}
	}
	if len(buffer) > 0 {
		if t := http.DetectContentType(buffer); t != "" {
			if i := strings.IndexByte(t, ';'); i >= 0 {
				t = strings.TrimSpace(t[:i])
			}
			return t
		}
	}
	return defaultMimeType
}
