package faceverify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Client calls a face recognition service over HTTP. Frames travel as
// multipart uploads; the service answers JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the service at baseURL. Recognition can be
// slow on a cold model, so the timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Verify(ctx context.Context, employeeID string, frame []byte) (Result, error) {
	body, contentType, err := frameForm(frame, map[string]string{"employee_id": employeeID})
	if err != nil {
		return Result{}, err
	}
	var out Result
	if err := c.post(ctx, "/verify", body, contentType, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}

func (c *Client) Enroll(ctx context.Context, employeeID, step string, frame []byte) error {
	body, contentType, err := frameForm(frame, map[string]string{
		"employee_id": employeeID,
		"step":        step,
	})
	if err != nil {
		return err
	}
	return c.post(ctx, "/enroll", body, contentType, nil)
}

// Ping reports whether the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("faceverify: service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("faceverify: service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("faceverify: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("faceverify: %s returned %s: %s", path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("faceverify: decode %s response: %w", path, err)
	}
	return nil
}

// frameForm packs a frame and its fields into a multipart body.
func frameForm(frame []byte, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("photo", "frame.jpg")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(frame); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
