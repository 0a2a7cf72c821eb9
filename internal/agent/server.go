// Package agent is the local control plane of an attendance terminal. It
// exposes a small HTTP API on loopback that the kiosk frontend drives: sign
// the operator in, run punch flows, walk new employees through registration,
// and report terminal status. All evidence handling happens in the capture
// package; the agent only sequences it.
package agent

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/capture"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/hrclient"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/httpmiddleware"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/session"
)

// ErrBusy is reported when a punch or registration flow is already running.
var ErrBusy = errors.New("agent: another capture flow is in progress")

// Server sequences capture flows for one terminal. At most one punch session
// or enrollment is live at a time; finished flows stay visible in status
// until the next one starts.
type Server struct {
	cfg          config.Agent
	client       *hrclient.Client
	enrollSubmit capture.Submitter
	sessions     *session.Manager
	camera       capture.Camera
	locator      capture.Locator

	mu     sync.Mutex
	punch  *capture.Session
	enroll *capture.Enrollment
}

// NewServer wires the agent over its capabilities. client carries the
// operator session and submits punches; enrollSubmit ships registration
// steps under the terminal's own credentials and falls back to client when
// nil.
func NewServer(cfg config.Agent, client *hrclient.Client, enrollSubmit capture.Submitter, sessions *session.Manager, camera capture.Camera, locator capture.Locator) *Server {
	if enrollSubmit == nil {
		enrollSubmit = client
	}
	return &Server{
		cfg:          cfg,
		client:       client,
		enrollSubmit: enrollSubmit,
		sessions:     sessions,
		camera:       camera,
		locator:      locator,
	}
}

// Router builds the gin engine for the terminal API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.NewSimpleTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.POST("/login", s.login)
	v1.POST("/logout", s.logout)
	v1.GET("/status", s.status)
	v1.POST("/punch", s.runPunch)
	v1.POST("/punch/cancel", s.cancelPunch)
	v1.POST("/enroll/start", s.startEnrollment)
	v1.POST("/enroll/details", s.setEnrollmentDetails)
	v1.POST("/enroll/step", s.runEnrollmentStep)
	v1.POST("/enroll/cancel", s.cancelEnrollment)
	v1.GET("/operator/history", s.history)

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"signed_in": s.sessions.EmployeeID() != "",
	})
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Phone    string `json:"phone" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	pair, err := s.client.Login(ctx, req.Phone, req.Password)
	if err != nil {
		var ae *hrclient.AuthError
		if errors.As(err, &ae) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		s.writeFlowError(c, err)
		return
	}
	if err := s.sessions.SetPair(pair, ""); err != nil {
		log.Printf("agent: persist credentials: %v", err)
	}
	employeeID := ""
	if me, err := s.client.Me(ctx); err != nil {
		log.Printf("agent: fetch profile after login: %v", err)
	} else {
		employeeID = me.ID
		if err := s.sessions.SetPair(pair, me.ID); err != nil {
			log.Printf("agent: persist credentials: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"employee_id": employeeID,
		"expires_in":  pair.ExpiresIn,
	})
}

func (s *Server) logout(c *gin.Context) {
	s.sessions.Invalidate()
	c.Status(http.StatusNoContent)
}

func (s *Server) status(c *gin.Context) {
	s.mu.Lock()
	punch := s.punch
	enroll := s.enroll
	s.mu.Unlock()

	out := gin.H{
		"signed_in":   s.sessions.EmployeeID() != "",
		"employee_id": s.sessions.EmployeeID(),
		"geo_enabled": s.cfg.GeoEnabled,
	}
	if punch != nil {
		st := punch.Status()
		out["punch"] = gin.H{
			"id":        st.ID,
			"purpose":   st.Purpose,
			"state":     st.State,
			"capturing": st.Capturing,
			"uploading": st.Uploading,
			"has_frame": st.HasFrame,
		}
	}
	if enroll != nil {
		st := enroll.Status()
		out["enrollment"] = gin.H{
			"id":        st.ID,
			"phase":     st.Phase,
			"step":      st.Step,
			"anchor_id": st.AnchorID,
			"has_frame": st.HasFrame,
			"has_fence": st.HasFence,
		}
	}
	c.JSON(http.StatusOK, out)
}

// runPunch drives a full punch: permission, capture, fix when geolocated,
// submit. A failed flow leaves the session live with its frame, so the next
// call resubmits the same evidence instead of recapturing.
func (s *Server) runPunch(c *gin.Context) {
	var req struct {
		Purpose string `json:"purpose"`
	}
	// An empty body selects the terminal default.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	purpose, err := s.resolvePurpose(req.Purpose)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, resumed, err := s.beginPunch(purpose)
	if err != nil {
		s.writeFlowError(c, err)
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	receipt, err := s.drivePunch(ctx, sess, resumed)
	if err != nil {
		punchesTotal.WithLabelValues(string(purpose), outcomeOf(err)).Inc()
		s.writeFlowError(c, err)
		return
	}
	submitSeconds.WithLabelValues(string(purpose)).Observe(time.Since(start).Seconds())
	punchesTotal.WithLabelValues(string(purpose), "accepted").Inc()

	c.JSON(http.StatusOK, gin.H{
		"punch_id":    receipt.Ref,
		"employee_id": receipt.EmployeeID,
		"message":     receipt.Message,
		"state":       sess.Status().State,
	})
}

func (s *Server) drivePunch(ctx context.Context, sess *capture.Session, resumed bool) (capture.Receipt, error) {
	if !resumed {
		if _, err := sess.RequestCameraAccess(ctx); err != nil {
			return capture.Receipt{}, err
		}
		if _, err := sess.CapturePhoto(ctx); err != nil {
			return capture.Receipt{}, err
		}
	}
	if sess.Purpose() == capture.PurposeGeoAttendance {
		if _, err := sess.AcquireLocation(ctx); err != nil {
			return capture.Receipt{}, err
		}
	}
	return sess.Submit(ctx)
}

// beginPunch reserves the terminal for one punch flow. A live session that
// already holds a frame for the same purpose is resumed rather than replaced.
func (s *Server) beginPunch(purpose capture.Purpose) (*capture.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enroll != nil && !s.enroll.Phase().Terminal() {
		return nil, false, ErrBusy
	}
	if s.punch != nil {
		st := s.punch.Status()
		if st.State == capture.StateActive {
			if st.Capturing || st.Uploading {
				return nil, false, ErrBusy
			}
			if st.HasFrame && s.punch.Purpose() == purpose {
				return s.punch, true, nil
			}
			s.punch.Cancel()
		}
	}

	sess, err := capture.NewSession(purpose, s.captureConfig(s.client))
	if err != nil {
		return nil, false, err
	}
	s.punch = sess
	return sess, false, nil
}

func (s *Server) cancelPunch(c *gin.Context) {
	s.mu.Lock()
	punch := s.punch
	s.mu.Unlock()
	if punch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no punch in progress"})
		return
	}
	punch.Cancel()
	c.JSON(http.StatusOK, gin.H{"state": punch.Status().State})
}

func (s *Server) startEnrollment(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.punch != nil && s.punch.Status().State == capture.StateActive {
		s.writeFlowError(c, ErrBusy)
		return
	}
	if s.enroll != nil && !s.enroll.Phase().Terminal() {
		s.writeFlowError(c, ErrBusy)
		return
	}

	enr, err := capture.NewEnrollment(s.captureConfig(s.enrollSubmit))
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	if err := enr.Begin(); err != nil {
		s.writeFlowError(c, err)
		return
	}
	s.enroll = enr
	c.JSON(http.StatusCreated, gin.H{
		"enrollment_id": enr.ID(),
		"phase":         enr.Phase(),
	})
}

func (s *Server) setEnrollmentDetails(c *gin.Context) {
	var req struct {
		FirstName string `json:"first_name" binding:"required"`
		LastName  string `json:"last_name" binding:"required"`
		Phone     string `json:"phone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	enr := s.currentEnrollment()
	if enr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no enrollment in progress"})
		return
	}
	if err := enr.SetDetails(capture.Details{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	}); err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": enr.Phase()})
}

// runEnrollmentStep captures and uploads the photo for the current step. The
// front step also acquires the geofence fix if one is not held yet.
func (s *Server) runEnrollmentStep(c *gin.Context) {
	enr := s.currentEnrollment()
	if enr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no enrollment in progress"})
		return
	}
	ctx := c.Request.Context()
	step := enr.Status().Step

	if _, err := enr.RequestCameraAccess(ctx); err != nil {
		s.writeFlowError(c, err)
		return
	}
	if st := enr.Status(); st.Step == capture.StepFront && !st.HasFence {
		if _, err := enr.AcquireLocation(ctx); err != nil {
			enrollStepsTotal.WithLabelValues(string(step), outcomeOf(err)).Inc()
			s.writeFlowError(c, err)
			return
		}
	}
	if _, err := enr.CapturePhoto(ctx); err != nil {
		enrollStepsTotal.WithLabelValues(string(step), outcomeOf(err)).Inc()
		s.writeFlowError(c, err)
		return
	}
	if _, err := enr.UploadStep(ctx); err != nil {
		enrollStepsTotal.WithLabelValues(string(step), outcomeOf(err)).Inc()
		s.writeFlowError(c, err)
		return
	}
	enrollStepsTotal.WithLabelValues(string(step), "accepted").Inc()

	c.JSON(http.StatusOK, gin.H{
		"phase":     enr.Phase(),
		"step":      step,
		"anchor_id": enr.AnchorID(),
	})
}

func (s *Server) cancelEnrollment(c *gin.Context) {
	enr := s.currentEnrollment()
	if enr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no enrollment in progress"})
		return
	}
	enr.Cancel()
	c.JSON(http.StatusOK, gin.H{"phase": enr.Phase()})
}

// history proxies the signed-in operator's punch history from the hub.
func (s *Server) history(c *gin.Context) {
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		to = parsed
	}
	punches, err := s.client.AttendanceHistory(c.Request.Context(), from, to)
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"punches": punches})
}

func (s *Server) currentEnrollment() *capture.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enroll
}

func (s *Server) captureConfig(sub capture.Submitter) capture.Config {
	return capture.Config{
		Camera:    s.camera,
		Locator:   s.locator,
		Submitter: sub,
	}
}

// resolvePurpose validates an explicit purpose or falls back to the terminal
// default.
func (s *Server) resolvePurpose(raw string) (capture.Purpose, error) {
	switch capture.Purpose(raw) {
	case capture.PurposeAttendance, capture.PurposeGeoAttendance:
		return capture.Purpose(raw), nil
	case "":
		if s.cfg.GeoEnabled {
			return capture.PurposeGeoAttendance, nil
		}
		return capture.PurposeAttendance, nil
	}
	return "", errors.New("purpose must be attendance or geo_attendance")
}

// writeFlowError maps capture and backend errors onto the terminal API.
// Semantic refusals keep their detail verbatim; transport failures stay
// generic so backend internals never reach the kiosk.
func (s *Server) writeFlowError(c *gin.Context, err error) {
	var rej *hrclient.RejectionError
	var ae *hrclient.AuthError
	var tr *hrclient.TransportError
	var ce *capture.CaptureError
	var it *capture.InvalidTransition

	switch {
	case errors.As(err, &rej):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": rej.Detail})
	case errors.As(err, &ae), errors.Is(err, session.ErrNotSignedIn):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, sign in again"})
	case errors.As(err, &tr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, ErrBusy),
		errors.Is(err, capture.ErrCaptureInFlight),
		errors.Is(err, capture.ErrUploadInFlight),
		errors.Is(err, capture.ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &it):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, capture.ErrCameraDenied),
		errors.Is(err, capture.ErrCameraUndetermined),
		errors.Is(err, capture.ErrLocationDenied),
		errors.Is(err, capture.ErrNoFrame),
		errors.Is(err, capture.ErrNoFix),
		errors.Is(err, capture.ErrMissingAnchor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		log.Printf("agent: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func outcomeOf(err error) string {
	var rej *hrclient.RejectionError
	if errors.As(err, &rej) {
		return "rejected"
	}
	return "error"
}
