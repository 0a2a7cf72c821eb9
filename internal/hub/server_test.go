package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/faceverify"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/photoarchive"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/punchlog"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/queue"
)

type testHub struct {
	svc      *punchlog.Service
	handler  http.Handler
	photoDir string
}

func newTestHub(t *testing.T, rejectEvery int) *testHub {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Hub{
		JWTIssuer:       "hr-hub",
		JWTSigningKey:   "test-signing-key",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      24 * time.Hour,
		RateLimitPerMin: 10000,
	}
	svc := punchlog.NewService(punchlog.NewMemoryStore(), queue.NewInMemory(64), faceverify.NewScripted(rejectEvery), time.Nanosecond)
	dir := t.TempDir()
	srv := NewServer(cfg, svc, photoarchive.New(dir), nil, nil)
	return &testHub{svc: svc, handler: srv.Router(), photoDir: dir}
}

func (h *testHub) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *testHub) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req)
}

func (h *testHub) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.do(t, req)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func detailOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Detail string `json:"detail"`
	}
	decode(t, rr, &out)
	return out.Detail
}

// seed creates a login-capable employee and returns its access token.
func (h *testHub) seed(t *testing.T, phone, password, role string, fence *punchlog.Geofence) (punchlog.Employee, string) {
	t.Helper()
	emp, err := h.svc.SeedOperator(context.Background(), "Asha", "Nair", phone, password, role, fence)
	if err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	rr := h.postJSON(t, "/auth/login", map[string]string{"phone": phone, "password": password})
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rr.Code, rr.Body)
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, rr, &tokens)
	if tokens.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}
	return emp, tokens.AccessToken
}

func (h *testHub) terminalToken(t *testing.T) string {
	t.Helper()
	rr := h.postJSON(t, "/v1/terminals/register", map[string]string{"terminal_id": "lobby-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("terminal register status = %d, body %s", rr.Code, rr.Body)
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, rr, &tokens)
	return tokens.AccessToken
}

func multipartBody(t *testing.T, fields map[string]string, withFile bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if withFile {
		fw, err := mw.CreateFormFile("file", "frame.jpg")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte("jpeg-bytes")); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// punch posts a frame to path with the standard multipart shape.
func (h *testHub) punch(t *testing.T, path, token, key string, withFile bool) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := multipartBody(t, nil, withFile)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ctype)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	return h.do(t, req)
}

func punchPath(eventTime time.Time) string {
	return "/face_attendance/punch?event_time=" + url.QueryEscape(eventTime.Format(time.RFC3339))
}

func geoPunchPath(eventTime time.Time, lat, lng float64) string {
	return fmt.Sprintf("/face_attendance/geo_punch?event_time=%s&lat=%v&lng=%v",
		url.QueryEscape(eventTime.Format(time.RFC3339)), lat, lng)
}

func TestHealthzWithoutBackends(t *testing.T) {
	h := newTestHub(t, 0)
	rr := h.get(t, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	var out struct {
		Status string `json:"status"`
		DB     bool   `json:"db"`
		Redis  bool   `json:"redis"`
	}
	decode(t, rr, &out)
	if out.Status != "ok" || !out.DB || !out.Redis {
		t.Fatalf("healthz body = %+v", out)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newTestHub(t, 0)
	h.seed(t, "+919900112233", "hunter2", "employee", nil)

	rr := h.postJSON(t, "/auth/login", map[string]string{"phone": "+919900112233", "password": "wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	var out struct {
		Error string `json:"error"`
	}
	decode(t, rr, &out)
	if out.Error != "invalid credentials" {
		t.Fatalf("error = %q", out.Error)
	}

	if rr := h.postJSON(t, "/auth/login", map[string]string{"phone": "+919900112233"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing password status = %d, want 400", rr.Code)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	h := newTestHub(t, 0)
	h.svc.SeedOperator(context.Background(), "Asha", "Nair", "+919900112233", "hunter2", "employee", nil)

	rr := h.postJSON(t, "/auth/login", map[string]string{"phone": "+919900112233", "password": "hunter2"})
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	decode(t, rr, &tokens)
	if tokens.ExpiresIn != int((15 * time.Minute).Seconds()) {
		t.Fatalf("expires_in = %d", tokens.ExpiresIn)
	}

	rr = h.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": tokens.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rr.Code, rr.Body)
	}
	var fresh struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, rr, &fresh)
	if fresh.AccessToken == "" {
		t.Fatal("refresh returned empty access token")
	}

	// An access token is not redeemable as a refresh token.
	rr = h.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": tokens.AccessToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh with access token status = %d, want 401", rr.Code)
	}
}

func TestPunchRecordsAndArchivesFrame(t *testing.T) {
	h := newTestHub(t, 0)
	emp, token := h.seed(t, "+919900112233", "hunter2", "employee", nil)

	rr := h.punch(t, punchPath(time.Now().UTC().Add(-time.Hour)), token, "key-1", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("punch status = %d, body %s", rr.Code, rr.Body)
	}
	var out struct {
		PunchID    string `json:"punch_id"`
		EmployeeID string `json:"employee_id"`
		Message    string `json:"message"`
	}
	decode(t, rr, &out)
	if out.PunchID == "" || out.EmployeeID != emp.ID || out.Message != "Punch recorded" {
		t.Fatalf("punch body = %+v", out)
	}

	frames, err := filepath.Glob(filepath.Join(h.photoDir, "punch", "*", "*.jpg"))
	if err != nil {
		t.Fatalf("glob archive: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("archived %d frames, want 1", len(frames))
	}
}

func TestPunchValidation(t *testing.T) {
	h := newTestHub(t, 0)
	_, token := h.seed(t, "+919900112233", "hunter2", "employee", nil)

	if rr := h.punch(t, punchPath(time.Now()), "", "", true); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated punch status = %d, want 401", rr.Code)
	}

	rr := h.punch(t, "/face_attendance/punch?event_time=yesterday", token, "", true)
	if rr.Code != http.StatusBadRequest || detailOf(t, rr) != "Invalid event_time" {
		t.Fatalf("bad event_time: status = %d, body %s", rr.Code, rr.Body)
	}

	rr = h.punch(t, punchPath(time.Now()), token, "", false)
	if rr.Code != http.StatusBadRequest || detailOf(t, rr) != "Photo required" {
		t.Fatalf("missing photo: status = %d, body %s", rr.Code, rr.Body)
	}
}

func TestPunchIdempotencyKeyReplays(t *testing.T) {
	h := newTestHub(t, 0)
	_, token := h.seed(t, "+919900112233", "hunter2", "employee", nil)

	at := time.Now().UTC().Add(-time.Hour)
	first := h.punch(t, punchPath(at), token, "dup-key", true)
	second := h.punch(t, punchPath(at), token, "dup-key", true)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	var a, b struct {
		PunchID string `json:"punch_id"`
	}
	decode(t, first, &a)
	decode(t, second, &b)
	if a.PunchID != b.PunchID {
		t.Fatalf("replayed punch id = %q, want %q", b.PunchID, a.PunchID)
	}
}

func TestGeoPunchEnforcesFence(t *testing.T) {
	fence := &punchlog.Geofence{Lat: 9.9312, Lng: 76.2673, RadiusM: 150}

	t.Run("inside", func(t *testing.T) {
		h := newTestHub(t, 0)
		_, token := h.seed(t, "+919900112233", "hunter2", "employee", fence)
		rr := h.punch(t, geoPunchPath(time.Now().UTC().Add(-time.Hour), 9.9318, 76.2673), token, "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
		}
	})

	t.Run("outside", func(t *testing.T) {
		h := newTestHub(t, 0)
		_, token := h.seed(t, "+919900112233", "hunter2", "employee", fence)
		rr := h.punch(t, geoPunchPath(time.Now().UTC().Add(-time.Hour), 9.9412, 76.2673), token, "", true)
		if rr.Code != http.StatusBadRequest || detailOf(t, rr) != "Outside geofence" {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
		}
	})

	t.Run("no fence on file", func(t *testing.T) {
		h := newTestHub(t, 0)
		_, token := h.seed(t, "+919900112233", "hunter2", "employee", nil)
		rr := h.punch(t, geoPunchPath(time.Now().UTC().Add(-time.Hour), 9.9312, 76.2673), token, "", true)
		if rr.Code != http.StatusBadRequest || detailOf(t, rr) != "No geofence on file" {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
		}
	})

	t.Run("missing coordinates", func(t *testing.T) {
		h := newTestHub(t, 0)
		_, token := h.seed(t, "+919900112233", "hunter2", "employee", fence)
		rr := h.punch(t, "/face_attendance/geo_punch?event_time="+url.QueryEscape(time.Now().Format(time.RFC3339)), token, "", true)
		if rr.Code != http.StatusBadRequest || detailOf(t, rr) != "Invalid coordinates" {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
		}
	})
}

func TestPunchFaceMismatchDetail(t *testing.T) {
	h := newTestHub(t, 1)
	_, token := h.seed(t, "+919900112233", "hunter2", "employee", nil)

	rr := h.punch(t, punchPath(time.Now().UTC().Add(-time.Hour)), token, "", true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if got := detailOf(t, rr); got != "Face mismatch" {
		t.Fatalf("detail = %q, want %q", got, "Face mismatch")
	}
}

func TestOnboardWalkRegistersEmployee(t *testing.T) {
	h := newTestHub(t, 0)
	token := h.terminalToken(t)

	front := map[string]string{
		"photo_type": "front",
		"first_name": "Ravi",
		"last_name":  "Menon",
		"phone":      "+918812345678",
		"lat":        "9.9312",
		"lng":        "76.2673",
		"radius_m":   "200",
	}
	body, ctype := multipartBody(t, front, true)
	req := httptest.NewRequest(http.MethodPost, "/faces/onboard", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := h.do(t, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("front status = %d, body %s", rr.Code, rr.Body)
	}
	var out struct {
		EmployeeID string `json:"employee_id"`
	}
	decode(t, rr, &out)
	if out.EmployeeID == "" {
		t.Fatal("front step returned no employee id")
	}

	for _, step := range []string{"left", "right"} {
		body, ctype := multipartBody(t, map[string]string{"photo_type": step, "employee_id": out.EmployeeID}, true)
		req := httptest.NewRequest(http.MethodPost, "/faces/onboard", body)
		req.Header.Set("Content-Type", ctype)
		req.Header.Set("Authorization", "Bearer "+token)
		if rr := h.do(t, req); rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d, body %s", step, rr.Code, rr.Body)
		}
	}

	emp, err := h.svc.Employee(context.Background(), out.EmployeeID)
	if err != nil {
		t.Fatalf("lookup employee: %v", err)
	}
	if emp == nil || !emp.Enrolled {
		t.Fatalf("employee after walk = %+v, want enrolled", emp)
	}
	if emp.Fence == nil || emp.Fence.RadiusM != 200 {
		t.Fatalf("fence = %+v, want radius 200", emp.Fence)
	}

	frames, err := filepath.Glob(filepath.Join(h.photoDir, "onboard", "*", "*.jpg"))
	if err != nil {
		t.Fatalf("glob archive: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("archived %d onboard frames, want 3", len(frames))
	}
}

func TestOnboardRejections(t *testing.T) {
	h := newTestHub(t, 0)
	token := h.terminalToken(t)

	post := func(fields map[string]string, withFile bool) *httptest.ResponseRecorder {
		body, ctype := multipartBody(t, fields, withFile)
		req := httptest.NewRequest(http.MethodPost, "/faces/onboard", body)
		req.Header.Set("Content-Type", ctype)
		req.Header.Set("Authorization", "Bearer "+token)
		return h.do(t, req)
	}

	if rr := post(map[string]string{"first_name": "Ravi"}, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing photo_type status = %d", rr.Code)
	}
	if rr := post(map[string]string{"photo_type": "left"}, false); detailOf(t, rr) != "Photo required" {
		t.Fatalf("missing file body = %s", rr.Body)
	}
	rr := post(map[string]string{"photo_type": "left", "employee_id": "404"}, true)
	if rr.Code != http.StatusBadRequest || detailOf(t, rr) != "Unknown employee" {
		t.Fatalf("unknown employee: status = %d, body %s", rr.Code, rr.Body)
	}
}

func TestRoleEnforcement(t *testing.T) {
	h := newTestHub(t, 0)
	_, empToken := h.seed(t, "+919900112233", "hunter2", "employee", nil)
	termToken := h.terminalToken(t)

	// A terminal cannot punch.
	if rr := h.punch(t, punchPath(time.Now()), termToken, "", true); rr.Code != http.StatusForbidden {
		t.Fatalf("terminal punch status = %d, want 403", rr.Code)
	}

	// An employee cannot onboard new faces.
	body, ctype := multipartBody(t, map[string]string{"photo_type": "front"}, true)
	req := httptest.NewRequest(http.MethodPost, "/faces/onboard", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+empToken)
	if rr := h.do(t, req); rr.Code != http.StatusForbidden {
		t.Fatalf("employee onboard status = %d, want 403", rr.Code)
	}

	// Only admins list employees.
	if rr := h.get(t, "/employees", empToken); rr.Code != http.StatusForbidden {
		t.Fatalf("employee list status = %d, want 403", rr.Code)
	}
	_, adminToken := h.seed(t, "+919900112234", "hunter2", "admin", nil)
	rr := h.get(t, "/employees", adminToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin list status = %d", rr.Code)
	}
	var out struct {
		Employees []struct {
			Phone string `json:"phone"`
		} `json:"employees"`
	}
	decode(t, rr, &out)
	if len(out.Employees) != 2 {
		t.Fatalf("listed %d employees, want 2", len(out.Employees))
	}
}

func TestMeAndHistory(t *testing.T) {
	h := newTestHub(t, 0)
	emp, token := h.seed(t, "+919900112233", "hunter2", "employee", nil)

	rr := h.get(t, "/me", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("me status = %d", rr.Code)
	}
	var me struct {
		ID       string `json:"id"`
		Phone    string `json:"phone"`
		Enrolled bool   `json:"enrolled"`
	}
	decode(t, rr, &me)
	if me.ID != emp.ID || me.Phone != "+919900112233" || !me.Enrolled {
		t.Fatalf("me = %+v", me)
	}

	older := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-time.Hour)
	h.punch(t, punchPath(older), token, "k1", true)
	h.punch(t, punchPath(newer), token, "k2", true)

	rr = h.get(t, "/attendance/history", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d, body %s", rr.Code, rr.Body)
	}
	var hist struct {
		Punches []struct {
			At string `json:"at"`
		} `json:"punches"`
	}
	decode(t, rr, &hist)
	if len(hist.Punches) != 2 {
		t.Fatalf("history has %d punches, want 2", len(hist.Punches))
	}
	if hist.Punches[0].At != newer.Format(time.RFC3339) {
		t.Fatalf("first punch at = %q, want newest %q", hist.Punches[0].At, newer.Format(time.RFC3339))
	}

	from := url.QueryEscape(time.Now().UTC().Add(-90 * time.Minute).Format(time.RFC3339))
	rr = h.get(t, "/attendance/history?from="+from, token)
	decode(t, rr, &hist)
	if len(hist.Punches) != 1 {
		t.Fatalf("filtered history has %d punches, want 1", len(hist.Punches))
	}
}
