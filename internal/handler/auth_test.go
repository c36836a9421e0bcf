package handler

import (
    "context"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/exam-slot-reservation/internal/config"
    "github.com/iliyamo/exam-slot-reservation/internal/middleware"
    "github.com/iliyamo/exam-slot-reservation/internal/model"
    "github.com/iliyamo/exam-slot-reservation/internal/repository"
    "github.com/iliyamo/exam-slot-reservation/internal/utils"
)

type fakeUsers struct {
    mu    sync.Mutex
    users map[uint64]model.User
}

func (f *fakeUsers) Create(_ context.Context, email, password, role string, cost int) (uint64, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for _, u := range f.users {
        if u.Email == email {
            return 0, repository.ErrEmailExists
        }
    }
    hash, err := utils.HashPassword(password, cost)
    if err != nil {
        return 0, err
    }
    id := uint64(len(f.users) + 1)
    f.users[id] = model.User{ID: id, Email: email, PasswordHash: hash, Role: role, IsActive: true}
    return id, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for _, u := range f.users {
        if u.Email == email {
            return u, nil
        }
    }
    return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    u, ok := f.users[id]
    if !ok {
        return model.User{}, repository.ErrNotFound
    }
    return u, nil
}

type fakeTokens struct {
    mu      sync.Mutex
    owner   map[string]uint64
    revoked map[string]bool
}

func (f *fakeTokens) StoreRefresh(_ context.Context, userID uint64, hash string, _ time.Time) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.owner[hash] = userID
    return nil
}

func (f *fakeTokens) ValidateRefresh(_ context.Context, hash string) (uint64, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    uid, ok := f.owner[hash]
    if !ok || f.revoked[hash] {
        return 0, repository.ErrNotFound
    }
    return uid, nil
}

func (f *fakeTokens) RevokeByHash(_ context.Context, hash string) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.revoked[hash] = true
    return nil
}

func (f *fakeTokens) RevokeAllForUser(_ context.Context, userID uint64) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    for h, uid := range f.owner {
        if uid == userID {
            f.revoked[h] = true
        }
    }
    return nil
}

func newAuthServer() (*echo.Echo, *fakeTokens) {
    tokens := &fakeTokens{owner: map[string]uint64{}, revoked: map[string]bool{}}
    h := NewAuthHandler(config.Config{
        JWTSecret:      secret,
        AccessTTLMin:   5,
        RefreshTTLDays: 1,
        BcryptCost:     4,
    }, &fakeUsers{users: map[uint64]model.User{}}, tokens, nil)

    e := echo.New()
    e.POST("/v1/auth/register", h.Register)
    e.POST("/v1/auth/login", h.Login)
    e.POST("/v1/auth/refresh", h.Refresh)
    e.POST("/v1/auth/logout", h.Logout)
    e.GET("/v1/auth/me", h.Me, middleware.JWTAuth(secret))
    return e, tokens
}

func post(e *echo.Echo, path, body, bearer string) *httptest.ResponseRecorder {
    req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
    req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
    if bearer != "" {
        req.Header.Set("Authorization", "Bearer "+bearer)
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func TestAuth_RegisterLoginRefreshLogout(t *testing.T) {
    e, tokens := newAuthServer()
    creds := `{"email":" Alice@Example.com ","password":"pw"}`

    rec := post(e, "/v1/auth/register", creds, "")
    if rec.Code != http.StatusCreated {
        t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
    }
    reg := decode[authResp](t, rec)
    if reg.User.Email != "alice@example.com" || reg.User.Role != model.RoleCustomer || reg.Access.Token == "" {
        t.Fatalf("unexpected register response %+v", reg)
    }
    if rec := post(e, "/v1/auth/register", creds, ""); rec.Code != http.StatusConflict {
        t.Fatalf("duplicate register: expected 409, got %d", rec.Code)
    }

    if rec := post(e, "/v1/auth/login", `{"email":"alice@example.com","password":"nope"}`, ""); rec.Code != http.StatusUnauthorized {
        t.Fatalf("bad password: expected 401, got %d", rec.Code)
    }
    if rec := post(e, "/v1/auth/login", `{"email":"bob@example.com","password":"pw"}`, ""); rec.Code != http.StatusUnauthorized {
        t.Fatalf("unknown user: expected 401, got %d", rec.Code)
    }
    login := decode[authResp](t, post(e, "/v1/auth/login", creds, ""))

    req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
    req.Header.Set("Authorization", "Bearer "+login.Access.Token)
    me := httptest.NewRecorder()
    e.ServeHTTP(me, req)
    if me.Code != http.StatusOK || !strings.Contains(me.Body.String(), `"user_id":1`) {
        t.Fatalf("me: %d %s", me.Code, me.Body.String())
    }

    rec = post(e, "/v1/auth/refresh", `{"refresh_token":"`+login.Refresh.Token+`"}`, "")
    if rec.Code != http.StatusOK {
        t.Fatalf("refresh: %d %s", rec.Code, rec.Body.String())
    }
    rotated := decode[authResp](t, rec)
    if rec := post(e, "/v1/auth/refresh", `{"refresh_token":"`+login.Refresh.Token+`"}`, ""); rec.Code != http.StatusUnauthorized {
        t.Fatalf("reused refresh token: expected 401, got %d", rec.Code)
    }

    if rec := post(e, "/v1/auth/logout", `{}`, rotated.Access.Token); rec.Code != http.StatusNoContent {
        t.Fatalf("logout: expected 204, got %d", rec.Code)
    }
    if _, err := tokens.ValidateRefresh(context.Background(), utils.HashRefreshRaw(rotated.Refresh.Token)); err == nil {
        t.Fatalf("logout must revoke every refresh token of the user")
    }
    if rec := post(e, "/v1/auth/logout", `{}`, ""); rec.Code != http.StatusBadRequest {
        t.Fatalf("logout without credentials: expected 400, got %d", rec.Code)
    }
}
