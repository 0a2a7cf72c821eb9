package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/capability"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/capture"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/faceverify"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/hrclient"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/hub"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/punchlog"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/queue"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/session"
)

type stubCamera struct {
	mu    sync.Mutex
	perm  capture.Permission
	calls int
}

func (c *stubCamera) RequestAccess(ctx context.Context) (capture.Permission, error) {
	return c.perm, nil
}

func (c *stubCamera) Capture(ctx context.Context) (capture.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return capture.Image{Data: []byte("jpeg-bytes"), TakenAt: time.Now().UTC()}, nil
}

func (c *stubCamera) captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// flakyBackend fails the first request to failPath with a 502 and forwards
// everything else to the hub router.
type flakyBackend struct {
	inner    http.Handler
	failPath string
	mu       sync.Mutex
	failed   bool
}

func (f *flakyBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	shouldFail := f.failPath != "" && r.URL.Path == f.failPath && !f.failed
	if shouldFail {
		f.failed = true
	}
	f.mu.Unlock()
	if shouldFail {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	f.inner.ServeHTTP(w, r)
}

// rig is a full terminal-plus-hub pair talking over httptest.
type rig struct {
	agent *httptest.Server
	hub   *punchlog.Service
	cam   *stubCamera
}

type rigOpts struct {
	geoEnabled      bool
	faceRejectEvery int
	failFirst       string
}

func newRig(t *testing.T, opts rigOpts) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hubCfg := config.Hub{
		JWTIssuer:       "hr-hub",
		JWTSigningKey:   "test-signing-key",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      24 * time.Hour,
		RateLimitPerMin: 10000,
	}
	svc := punchlog.NewService(punchlog.NewMemoryStore(), queue.NewInMemory(64), faceverify.NewScripted(opts.faceRejectEvery), time.Nanosecond)
	var handler http.Handler = hub.NewServer(hubCfg, svc, nil, nil, nil).Router()
	if opts.failFirst != "" {
		handler = &flakyBackend{inner: handler, failPath: opts.failFirst}
	}
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)

	store := session.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	bare := hrclient.New(backend.URL, nil)
	mgr := session.NewManager(store, bare.Refresh, nil)
	client := hrclient.New(backend.URL, mgr)
	enrollClient := hrclient.New(backend.URL, session.NewTerminalSource(bare, "kiosk-1"))

	cam := &stubCamera{perm: capture.PermissionGranted}
	loc := capability.NewFixedLocator(9.9312, 76.2673, 150)
	cfg := config.Agent{HubURL: backend.URL, GeoEnabled: opts.geoEnabled, RateLimitPerMin: 10000}

	agentSrv := httptest.NewServer(NewServer(cfg, client, enrollClient, mgr, cam, loc).Router())
	t.Cleanup(agentSrv.Close)
	return &rig{agent: agentSrv, hub: svc, cam: cam}
}

func (r *rig) seedOperator(t *testing.T, fence *punchlog.Geofence) punchlog.Employee {
	t.Helper()
	emp, err := r.hub.SeedOperator(context.Background(), "Asha", "Nair", "+919900112233", "hunter2", "employee", fence)
	if err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	return emp
}

func (r *rig) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(r.agent.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp, out
}

func (r *rig) get(t *testing.T, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(r.agent.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return out
}

func (r *rig) login(t *testing.T) {
	t.Helper()
	resp, out := r.post(t, "/v1/login", map[string]string{"phone": "+919900112233", "password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body %v", resp.StatusCode, out)
	}
	if id, _ := out["employee_id"].(string); id == "" {
		t.Fatal("login returned no employee id")
	}
}

func TestPunchFlowEndToEnd(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.seedOperator(t, nil)
	r.login(t)

	resp, out := r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("punch status = %d, body %v", resp.StatusCode, out)
	}
	if id, _ := out["punch_id"].(string); id == "" || out["message"] != "Punch recorded" || out["state"] != "complete" {
		t.Fatalf("punch body = %v", out)
	}

	status := r.get(t, "/v1/status")
	if status["signed_in"] != true {
		t.Fatalf("status = %v", status)
	}
	punch, ok := status["punch"].(map[string]any)
	if !ok || punch["state"] != "complete" || punch["has_frame"] != false {
		t.Fatalf("status punch = %v", status["punch"])
	}

	employeeID, _ := out["employee_id"].(string)
	punches, err := r.hub.History(context.Background(), employeeID, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("hub history: %v", err)
	}
	if len(punches) != 1 || punches[0].Kind != punchlog.KindPunch {
		t.Fatalf("hub punches = %+v", punches)
	}
}

func TestGeoPunchCarriesFix(t *testing.T) {
	r := newRig(t, rigOpts{geoEnabled: true})
	emp := r.seedOperator(t, &punchlog.Geofence{Lat: 9.9312, Lng: 76.2673, RadiusM: 150})
	r.login(t)

	resp, out := r.post(t, "/v1/punch", map[string]string{"purpose": "geo_attendance"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("geo punch status = %d, body %v", resp.StatusCode, out)
	}

	punches, err := r.hub.History(context.Background(), emp.ID, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("hub history: %v", err)
	}
	if len(punches) != 1 || punches[0].Kind != punchlog.KindGeoPunch {
		t.Fatalf("hub punches = %+v", punches)
	}
	if punches[0].Lat != 9.9312 || punches[0].Lng != 76.2673 {
		t.Fatalf("recorded fix = %v,%v", punches[0].Lat, punches[0].Lng)
	}
}

func TestPunchWithoutLogin(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.seedOperator(t, nil)

	resp, out := r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["error"] != "session expired, sign in again" {
		t.Fatalf("error = %v", out["error"])
	}
}

func TestPunchRejectionKeepsSessionLive(t *testing.T) {
	r := newRig(t, rigOpts{faceRejectEvery: 1})
	r.seedOperator(t, nil)
	r.login(t)

	resp, out := r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["detail"] != "Face mismatch" {
		t.Fatalf("detail = %v", out["detail"])
	}

	status := r.get(t, "/v1/status")
	punch, ok := status["punch"].(map[string]any)
	if !ok || punch["state"] != "active" || punch["has_frame"] != true {
		t.Fatalf("status punch = %v", status["punch"])
	}
}

func TestPunchRetryResubmitsSameFrame(t *testing.T) {
	r := newRig(t, rigOpts{failFirst: "/face_attendance/punch"})
	r.seedOperator(t, nil)
	r.login(t)

	resp, out := r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("first punch status = %d, body %v", resp.StatusCode, out)
	}
	if r.cam.captures() != 1 {
		t.Fatalf("captures after failure = %d, want 1", r.cam.captures())
	}

	resp, out = r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d, body %v", resp.StatusCode, out)
	}
	if r.cam.captures() != 1 {
		t.Fatalf("captures after retry = %d, want 1 (frame must be reused)", r.cam.captures())
	}
}

func TestEnrollmentWalkUsesTerminalCredentials(t *testing.T) {
	r := newRig(t, rigOpts{})
	// No operator login: registration runs under the terminal's own token.

	resp, out := r.post(t, "/v1/enroll/start", nil)
	if resp.StatusCode != http.StatusCreated || out["phase"] != "collecting_details" {
		t.Fatalf("start: status = %d, body %v", resp.StatusCode, out)
	}

	resp, out = r.post(t, "/v1/enroll/details", map[string]string{
		"first_name": "Ravi",
		"last_name":  "Menon",
		"phone":      "+918812345678",
	})
	if resp.StatusCode != http.StatusOK || out["phase"] != "capturing_front" {
		t.Fatalf("details: status = %d, body %v", resp.StatusCode, out)
	}

	wantPhases := []string{"capturing_left", "capturing_right", "complete"}
	var anchor string
	for i, want := range wantPhases {
		resp, out = r.post(t, "/v1/enroll/step", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("step %d: status = %d, body %v", i, resp.StatusCode, out)
		}
		if out["phase"] != want {
			t.Fatalf("step %d phase = %v, want %s", i, out["phase"], want)
		}
		got, _ := out["anchor_id"].(string)
		if anchor == "" {
			anchor = got
		} else if got != anchor {
			t.Fatalf("anchor changed: %q != %q", got, anchor)
		}
	}
	if anchor == "" {
		t.Fatal("no anchor assigned")
	}

	emp, err := r.hub.Employee(context.Background(), anchor)
	if err != nil {
		t.Fatalf("hub employee: %v", err)
	}
	if emp == nil || !emp.Enrolled {
		t.Fatalf("hub employee = %+v, want enrolled", emp)
	}
	if emp.Fence == nil || emp.Fence.Lat != 9.9312 {
		t.Fatalf("hub fence = %+v", emp.Fence)
	}
}

func TestEnrollmentBlocksPunch(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.seedOperator(t, nil)
	r.login(t)

	if resp, out := r.post(t, "/v1/enroll/start", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status = %d, body %v", resp.StatusCode, out)
	}
	resp, out := r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("punch during enrollment: status = %d, body %v", resp.StatusCode, out)
	}

	if resp, out := r.post(t, "/v1/enroll/cancel", nil); resp.StatusCode != http.StatusOK || out["phase"] != "cancelled" {
		t.Fatalf("cancel: status = %d, body %v", resp.StatusCode, out)
	}
	if resp, _ := r.post(t, "/v1/punch", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("punch after cancel: status = %d", resp.StatusCode)
	}
}

func TestCameraDenied(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.seedOperator(t, nil)
	r.login(t)
	r.cam.perm = capture.PermissionDenied

	resp, out := r.post(t, "/v1/punch", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["error"] != "camera permission denied" {
		t.Fatalf("error = %v", out["error"])
	}
}

func TestLogout(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.seedOperator(t, nil)
	r.login(t)

	resp, _ := r.post(t, "/v1/logout", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	status := r.get(t, "/healthz")
	if status["signed_in"] != false {
		t.Fatalf("healthz after logout = %v", status)
	}
}

func TestOperatorHistoryProxy(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.seedOperator(t, nil)
	r.login(t)

	if resp, out := r.post(t, "/v1/punch", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("punch: status = %d, body %v", resp.StatusCode, out)
	}

	out := r.get(t, "/v1/operator/history")
	punches, ok := out["punches"].([]any)
	if !ok || len(punches) != 1 {
		t.Fatalf("history = %v", out)
	}
}
