package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCronSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		code   int
	}{
		{"not configured", "", "Bearer anything", http.StatusInternalServerError},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"correct", "s3cret", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/cron/daily", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := CronSecret(tt.secret)(ok)(c)
			code := rec.Code
			if he, isHTTP := err.(*echo.HTTPError); isHTTP {
				code = he.Code
			}
			if code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, code)
			}
		})
	}
}
