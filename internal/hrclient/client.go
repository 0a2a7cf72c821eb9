package hrclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/capture"
)

const maxErrorBody = 1 << 20

// Client calls the HR backend. One HTTP transport serves JSON and multipart
// requests alike; the bearer token and 401 handling live on the transport.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client for the given backend base URL. src may be nil for
// unauthenticated use (login, tests).
func New(baseURL string, src TokenSource) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &authTransport{base: http.DefaultTransport, src: src},
		},
	}
}

// SubmitPunch uploads one punch to the plain or geo-validated endpoint,
// depending on the submission purpose. Exactly one request is issued; no
// retry happens here.
func (c *Client) SubmitPunch(ctx context.Context, s capture.PunchSubmission) (capture.Receipt, error) {
	if s.Image.Empty() {
		return capture.Receipt{}, capture.ErrNoFrame
	}

	q := url.Values{}
	q.Set("event_time", s.EventTime.UTC().Format(time.RFC3339))

	endpoint := "/face_attendance/punch"
	if s.Purpose == capture.PurposeGeoAttendance {
		if s.Fix == nil {
			return capture.Receipt{}, capture.ErrNoFix
		}
		endpoint = "/face_attendance/geo_punch"
		q.Set("lat", strconv.FormatFloat(s.Fix.Lat, 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(s.Fix.Lng, 'f', -1, 64))
	}

	resp, err := c.postImage(ctx, endpoint+"?"+q.Encode(), nil, s.Image, s.Key)
	if err != nil {
		return capture.Receipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return capture.Receipt{}, decodeAPIError(resp)
	}

	var out struct {
		PunchID    string `json:"punch_id"`
		ID         string `json:"id"`
		EmployeeID string `json:"employee_id"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return capture.Receipt{}, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	ref := out.PunchID
	if ref == "" {
		ref = out.ID
	}
	return capture.Receipt{Ref: ref, EmployeeID: out.EmployeeID, Message: out.Message}, nil
}

// SubmitOnboard uploads one registration step. The front step carries the
// biographic fields and geofence; later steps carry only the anchor id, and
// a missing anchor fails here, locally, before any request is built.
func (c *Client) SubmitOnboard(ctx context.Context, s capture.OnboardSubmission) (capture.OnboardReceipt, error) {
	if s.Image.Empty() {
		return capture.OnboardReceipt{}, capture.ErrNoFrame
	}

	fields := map[string]string{"photo_type": string(s.Step)}
	switch s.Step {
	case capture.StepFront:
		if s.Details == nil || s.Fix == nil {
			return capture.OnboardReceipt{}, capture.ErrNoFix
		}
		fields["first_name"] = s.Details.FirstName
		fields["last_name"] = s.Details.LastName
		fields["phone"] = s.Details.Phone
		fields["lat"] = strconv.FormatFloat(s.Fix.Lat, 'f', -1, 64)
		fields["lng"] = strconv.FormatFloat(s.Fix.Lng, 'f', -1, 64)
		fields["radius_m"] = strconv.FormatFloat(s.Fix.RadiusM, 'f', -1, 64)
	case capture.StepLeft, capture.StepRight:
		if s.AnchorID == "" {
			return capture.OnboardReceipt{}, capture.ErrMissingAnchor
		}
		fields["employee_id"] = s.AnchorID
	default:
		return capture.OnboardReceipt{}, fmt.Errorf("hrclient: unknown photo step %q", s.Step)
	}

	resp, err := c.postImage(ctx, "/faces/onboard", fields, s.Image, s.Key)
	if err != nil {
		return capture.OnboardReceipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return capture.OnboardReceipt{}, decodeAPIError(resp)
	}

	var out struct {
		EmployeeID anchorID `json:"employee_id"`
		ID         anchorID `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return capture.OnboardReceipt{}, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	anchor := string(out.EmployeeID)
	if anchor == "" {
		anchor = string(out.ID)
	}
	return capture.OnboardReceipt{AnchorID: anchor}, nil
}

// postImage issues the one multipart request for a submission.
func (c *Client) postImage(ctx context.Context, endpoint string, fields map[string]string, img capture.Image, key string) (*http.Response, error) {
	rc, err := img.Reader()
	if err != nil {
		return nil, &capture.CaptureError{Err: err}
	}
	defer rc.Close()

	filename := path.Base(img.URI)
	if filename == "." || filename == "/" || filename == "" {
		filename = "frame.jpg"
	}
	body, contentType, err := multipartForm(fields, "file", filename, rc)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// decodeAPIError normalizes a non-2xx response into the error taxonomy:
// 400 with detail is a semantic rejection surfaced verbatim, 401 is an auth
// drop, anything else is a transport failure with a generic message.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch resp.StatusCode {
	case http.StatusBadRequest:
		var out struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		_ = json.Unmarshal(body, &out)
		detail := out.Detail
		if detail == "" {
			detail = out.Error
		}
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return &RejectionError{Detail: detail}
	case http.StatusUnauthorized:
		return &AuthError{}
	default:
		return &TransportError{Status: resp.StatusCode}
	}
}

// anchorID tolerates both string and numeric identifiers; the onboard
// endpoint is documented to answer with either employee_id or id.
type anchorID string

func (a *anchorID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*a = anchorID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = anchorID(n.String())
	return nil
}
