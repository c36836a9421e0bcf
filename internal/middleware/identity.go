package middleware

import (
    "strconv"

    "github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
    ctxUserID = "user_id"
    ctxRole   = "role"
)

// CurrentUser returns the authenticated user's id and role.  ok is false
// when JWTAuth did not run or rejected the request.
func CurrentUser(c echo.Context) (id uint64, role string, ok bool) {
    id, ok = c.Get(ctxUserID).(uint64)
    if !ok {
        return 0, "", false
    }
    role, _ = c.Get(ctxRole).(string)
    return id, role, true
}

// userID is the rate-limit key for the caller, "guest" when anonymous.
func userID(c echo.Context) string {
    if id, _, ok := CurrentUser(c); ok {
        return strconv.FormatUint(id, 10)
    }
    return "guest"
}
