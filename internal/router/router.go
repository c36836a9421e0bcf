package router

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/exam-slot-reservation/internal/handler"
    "github.com/iliyamo/exam-slot-reservation/internal/middleware"
    "github.com/iliyamo/exam-slot-reservation/internal/model"
)

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, health echo.HandlerFunc, metrics echo.HandlerFunc) {
    e.GET("/healthz", health)
    if metrics != nil {
        e.GET("/metrics", metrics)
    }
}

// RegisterAuth registers the auth endpoints.  Register, login, refresh and
// logout live under /v1/auth without a session; /v1/me needs a valid
// access token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
    g := e.Group("/v1/auth")
    g.POST("/register", a.Register)
    g.POST("/login", a.Login)
    g.POST("/refresh", a.Refresh)
    g.POST("/logout", a.Logout)

    e.GET("/v1/me", a.Me, middleware.JWTAuth(jwtSecret))
}

// RegisterReservations registers the booking API.  The availability
// endpoint is public and goes through the given middleware (rate limit,
// cache).  Reservation endpoints need a CUSTOMER or ADMIN token; confirming
// is reserved to admins.
func RegisterReservations(e *echo.Echo, h *handler.ReservationHandler, jwtSecret string, public ...echo.MiddlewareFunc) {
    e.GET("/v1/slots/available", h.Available, public...)

    g := e.Group("/v1/reservations",
        middleware.JWTAuth(jwtSecret),
        middleware.RequireRole(model.RoleCustomer, model.RoleAdmin),
    )
    g.GET("", h.List)
    g.POST("", h.Create)
    g.GET("/:id", h.Get)
    g.PATCH("/:id", h.Modify)
    g.POST("/:id/cancel", h.Cancel)
    g.DELETE("/:id", h.Cancel)
    g.POST("/:id/confirm", h.Confirm, middleware.RequireRole(model.RoleAdmin))
}
