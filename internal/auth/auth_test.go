package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIssueParseRoundTrip(t *testing.T) {
	pair, err := Issue("42", RoleEmployee, "hr-hub", "key", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "key", "hr-hub", KindAccess)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "42" || claims.Role != RoleEmployee {
		t.Errorf("claims = %+v", claims)
	}

	refresh, err := Parse(pair.RefreshToken, "key", "hr-hub", KindRefresh)
	if err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
	if refresh.Subject != "42" {
		t.Errorf("refresh claims = %+v", refresh)
	}
}

func TestParseRejects(t *testing.T) {
	pair, err := Issue("42", RoleEmployee, "hr-hub", "key", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name          string
		token         string
		key, iss, typ string
	}{
		{"wrong key", pair.AccessToken, "other", "hr-hub", KindAccess},
		{"issuer mismatch", pair.AccessToken, "key", "someone-else", KindAccess},
		{"refresh as access", pair.RefreshToken, "key", "hr-hub", KindAccess},
		{"access as refresh", pair.AccessToken, "key", "hr-hub", KindRefresh},
		{"garbage", "not-a-token", "key", "hr-hub", KindAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.token, tt.key, tt.iss, tt.typ); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestBearerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pair, err := Issue("42", RoleTerminal, "hr-hub", "key", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	adminPair, err := Issue("1", RoleAdmin, "hr-hub", "key", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("issue admin: %v", err)
	}

	r := gin.New()
	r.GET("/guarded", Bearer("key", "hr-hub", RoleTerminal), func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no claims"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sub": claims.Subject})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"bad token", "Bearer junk", http.StatusUnauthorized},
		{"wrong role", "Bearer " + adminPair.AccessToken, http.StatusForbidden},
		{"ok", "Bearer " + pair.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
