package router

import (
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/exam-slot-reservation/internal/config"
    "github.com/iliyamo/exam-slot-reservation/internal/handler"
)

func TestRegisterRoutes(t *testing.T) {
    e := echo.New()
    RegisterRoutes(e, handler.Health(nil), nil)
    RegisterAuth(e, handler.NewAuthHandler(config.Config{JWTSecret: "s"}, nil, nil, nil), "s")

    want := map[string]bool{
        "GET /healthz":           false,
        "POST /v1/auth/register":   false,
        "POST /v1/auth/login":      false,
        "POST /v1/auth/refresh":    false,
        "POST /v1/auth/logout":     false,
        "GET /v1/me":             false,
    }
    for _, r := range e.Routes() {
        k := r.Method + " " + r.Path
        if _, ok := want[k]; ok {
            want[k] = true
        }
    }
    for k, seen := range want {
        if !seen {
            t.Errorf("route %s not registered", k)
        }
    }

    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
        t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
    }

    rec = httptest.NewRecorder()
    e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
    if rec.Code != http.StatusUnauthorized {
        t.Fatalf("/v1/me without token: expected 401, got %d", rec.Code)
    }
}
