// Package storage holds helpers shared by the object publishers.
package storage

import (
	"io"
	"net/http"
	"os"
)

// DetectContentType sniffs the MIME type from the first bytes of the file.
// It falls back to application/octet-stream when the file cannot be read.
func DetectContentType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "application/octet-stream"
	}

	return http.DetectContentType(buf[:n])
}
