package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMimeTypeByExtension(t *testing.T) {
	assert.Equal(t, "image/png", MimeType("photo.png", nil))
	assert.Equal(t, "application/pdf", MimeType("doc.pdf", nil))
	assert.Equal(t, "text/plain", MimeType("notes.txt", nil))
}

func TestMimeTypeSniffsUnknownExtension(t *testing.T) {
	assert.Equal(t, "application/pdf", MimeType("blob.weird", []byte("%PDF-1.7 ...")))
}

func TestMimeTypeFallsBackToOctetStream(t *testing.T) {
	assert.Equal(t, "application/octet-stream", MimeType("noext", nil))
}
