// Package hub is the HTTP backend the attendance terminals submit to. It
// owns authentication, the punch and onboarding endpoints, and the read
// surface the terminals and the admin UI consume.
package hub

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/auth"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/httpmiddleware"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/photoarchive"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/punchlog"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/store"
)

// Server wires the hub's routes to the punch log.
type Server struct {
	cfg    config.Hub
	svc    *punchlog.Service
	photos *photoarchive.Archive
	db     *store.DB
	redis  *store.Redis
}

// NewServer creates a hub server. photos, db and redis may be nil; health
// reporting and evidence archiving degrade accordingly.
func NewServer(cfg config.Hub, svc *punchlog.Service, photos *photoarchive.Archive, db *store.DB, redis *store.Redis) *Server {
	return &Server{cfg: cfg, svc: svc, photos: photos, db: db, redis: redis}
}

// Router builds the gin engine with the full middleware chain and routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.health)

	r.POST("/auth/login", s.login)
	r.POST("/auth/refresh", s.refresh)
	r.POST("/v1/terminals/register", s.registerTerminal)

	employee := r.Group("", auth.Bearer(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleEmployee, auth.RoleAdmin))
	employee.POST("/face_attendance/punch", func(c *gin.Context) { s.handlePunch(c, punchlog.KindPunch) })
	employee.POST("/face_attendance/geo_punch", func(c *gin.Context) { s.handlePunch(c, punchlog.KindGeoPunch) })
	employee.GET("/me", s.me)
	employee.GET("/attendance/history", s.history)

	onboard := r.Group("", auth.Bearer(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleTerminal, auth.RoleAdmin))
	onboard.POST("/faces/onboard", s.onboard)

	admin := r.Group("", auth.Bearer(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleAdmin))
	admin.GET("/employees", s.listEmployees)

	return r
}

func (s *Server) health(c *gin.Context) {
	dbHealthy := s.db == nil || s.db.Healthy(c.Request.Context())
	redisHealthy := s.redis == nil || s.redis.Healthy(c.Request.Context())
	status := http.StatusOK
	if !dbHealthy || !redisHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
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
	emp, err := s.svc.Authenticate(c.Request.Context(), req.Phone, req.Password)
	if errors.Is(err, punchlog.ErrBadCredentials) {
		loginsTotal.WithLabelValues("denied").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		log.Printf("hub: authenticate: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	role := emp.Role
	if role == "" {
		role = auth.RoleEmployee
	}
	s.issueTokens(c, http.StatusOK, emp.ID, role)
	loginsTotal.WithLabelValues("ok").Inc()
}

func (s *Server) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := auth.Parse(req.RefreshToken, s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	s.issueTokens(c, http.StatusOK, claims.Subject, claims.Role)
}

func (s *Server) registerTerminal(c *gin.Context) {
	var req struct {
		TerminalID string `json:"terminal_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Printf("hub: terminal %s registered", req.TerminalID)
	s.issueTokens(c, http.StatusCreated, req.TerminalID, auth.RoleTerminal)
}

func (s *Server) issueTokens(c *gin.Context, status int, subject, role string) {
	tokens, err := auth.Issue(subject, role, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		log.Printf("hub: issue tokens: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(status, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_in":    int(s.cfg.AccessTTL.Seconds()),
	})
}

// handlePunch serves both punch endpoints. The employee comes from the
// bearer token; the photo, event time and optional coordinates come from
// the request.
func (s *Server) handlePunch(c *gin.Context, kind string) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	eventTime, err := time.Parse(time.RFC3339, c.Query("event_time"))
	if err != nil {
		punchesTotal.WithLabelValues(kind, "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid event_time"})
		return
	}

	req := punchlog.PunchRequest{
		EmployeeID: claims.Subject,
		Kind:       kind,
		EventTime:  eventTime,
		Key:        c.GetHeader("X-Idempotency-Key"),
	}
	if kind == punchlog.KindGeoPunch {
		lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
		lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
		if latErr != nil || lngErr != nil {
			punchesTotal.WithLabelValues(kind, "rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid coordinates"})
			return
		}
		req.Lat, req.Lng = lat, lng
	}

	frame, ok := s.readFrame(c)
	if !ok {
		punchesTotal.WithLabelValues(kind, "rejected").Inc()
		return
	}
	req.Frame = frame

	punch, err := s.svc.RecordPunch(c.Request.Context(), req)
	if err != nil {
		s.writeServiceError(c, err)
		punchesTotal.WithLabelValues(kind, outcomeOf(err)).Inc()
		return
	}
	punchesTotal.WithLabelValues(kind, "accepted").Inc()
	s.archive(photoarchive.KindPunch, punch.ID, frame)

	c.JSON(http.StatusOK, gin.H{
		"punch_id":    punch.ID,
		"employee_id": punch.EmployeeID,
		"message":     "Punch recorded",
	})
}

func (s *Server) onboard(c *gin.Context) {
	step := c.PostForm("photo_type")
	if step == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "photo_type required"})
		return
	}
	frame, ok := s.readFrame(c)
	if !ok {
		onboardStepsTotal.WithLabelValues(step, "rejected").Inc()
		return
	}

	req := punchlog.OnboardRequest{
		Step:       step,
		FirstName:  c.PostForm("first_name"),
		LastName:   c.PostForm("last_name"),
		Phone:      c.PostForm("phone"),
		EmployeeID: c.PostForm("employee_id"),
		Frame:      frame,
	}
	if step == "front" {
		lat, latErr := strconv.ParseFloat(c.PostForm("lat"), 64)
		lng, lngErr := strconv.ParseFloat(c.PostForm("lng"), 64)
		if latErr != nil || lngErr != nil {
			onboardStepsTotal.WithLabelValues(step, "rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid coordinates"})
			return
		}
		req.Lat, req.Lng = lat, lng
		req.RadiusM = 100
		if v := c.PostForm("radius_m"); v != "" {
			radius, err := strconv.ParseFloat(v, 64)
			if err != nil {
				onboardStepsTotal.WithLabelValues(step, "rejected").Inc()
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid radius_m"})
				return
			}
			req.RadiusM = radius
		}
	}

	emp, err := s.svc.Onboard(c.Request.Context(), req)
	if err != nil {
		s.writeServiceError(c, err)
		onboardStepsTotal.WithLabelValues(step, outcomeOf(err)).Inc()
		return
	}
	onboardStepsTotal.WithLabelValues(step, "accepted").Inc()
	s.archive(photoarchive.KindOnboard, emp.ID+"-"+step, frame)

	c.JSON(http.StatusOK, gin.H{"employee_id": emp.ID})
}

func (s *Server) me(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	emp, err := s.svc.Employee(c.Request.Context(), claims.Subject)
	if err != nil {
		log.Printf("hub: lookup employee %s: %v", claims.Subject, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if emp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, employeeJSON(*emp))
}

func (s *Server) history(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	employeeID := claims.Subject
	if claims.Role == auth.RoleAdmin {
		if v := c.Query("employee_id"); v != "" {
			employeeID = v
		}
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid from"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid to"})
			return
		}
		to = parsed
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	punches, err := s.svc.History(c.Request.Context(), employeeID, from, to, limit)
	if err != nil {
		log.Printf("hub: history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]gin.H, 0, len(punches))
	for _, p := range punches {
		out = append(out, gin.H{
			"id":          p.ID,
			"employee_id": p.EmployeeID,
			"kind":        p.Kind,
			"at":          p.At.UTC().Format(time.RFC3339),
			"lat":         p.Lat,
			"lng":         p.Lng,
		})
	}
	c.JSON(http.StatusOK, gin.H{"punches": out})
}

func (s *Server) listEmployees(c *gin.Context) {
	employees, err := s.svc.Employees(c.Request.Context())
	if err != nil {
		log.Printf("hub: list employees: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]gin.H, 0, len(employees))
	for _, e := range employees {
		out = append(out, employeeJSON(e))
	}
	c.JSON(http.StatusOK, gin.H{"employees": out})
}

func employeeJSON(e punchlog.Employee) gin.H {
	return gin.H{
		"id":         e.ID,
		"first_name": e.FirstName,
		"last_name":  e.LastName,
		"phone":      e.Phone,
		"role":       e.Role,
		"enrolled":   e.Enrolled,
	}
}

// writeServiceError maps punch log errors onto the wire: semantic refusals
// carry their detail verbatim with status 400, everything else is an opaque
// 500.
func (s *Server) writeServiceError(c *gin.Context, err error) {
	var rej *punchlog.Rejection
	if errors.As(err, &rej) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": rej.Detail})
		return
	}
	log.Printf("hub: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func outcomeOf(err error) string {
	var rej *punchlog.Rejection
	if errors.As(err, &rej) {
		return "rejected"
	}
	return "error"
}

// readFrame pulls the uploaded photo into memory. Frames are small enough
// to buffer; the verifier and the archive both need the full bytes.
func (s *Server) readFrame(c *gin.Context) ([]byte, bool) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Photo required"})
		return nil, false
	}
	defer file.Close()
	frame, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Photo required"})
		return nil, false
	}
	return frame, true
}

func (s *Server) archive(kind, ref string, frame []byte) {
	if s.photos == nil {
		return
	}
	if _, err := s.photos.Save(kind, ref, bytes.NewReader(frame)); err != nil {
		log.Printf("hub: archive frame: %v", err)
	}
}
