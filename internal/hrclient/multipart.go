package hrclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
)

// multipartForm builds the one multipart shape every endpoint in this API
// uses: plain fields plus a single file part.
func multipartForm(fields map[string]string, fileField, filename string, file io.Reader) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		_ = w.WriteField(k, v)
	}

	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", fmt.Errorf("hrclient: create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("hrclient: write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("hrclient: close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
