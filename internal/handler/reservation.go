package handler

import (
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "go.uber.org/zap"

    "github.com/iliyamo/exam-slot-reservation/internal/config"
    "github.com/iliyamo/exam-slot-reservation/internal/middleware"
    "github.com/iliyamo/exam-slot-reservation/internal/model"
    "github.com/iliyamo/exam-slot-reservation/internal/repository"
    "github.com/iliyamo/exam-slot-reservation/internal/service"
)

// timeLayout is the wire format of start_time and end_time, read and
// written in the booking time zone.
const timeLayout = "2006-01-02 15:04"

// ReservationHandler serves /v1/reservations and /v1/slots.  It enforces
// the booking window and ownership; everything about capacity is left to
// the service.
type ReservationHandler struct {
    svc     *service.ReservationService
    booking config.BookingConfig
    log     *zap.Logger
    now     func() time.Time
}

func NewReservationHandler(svc *service.ReservationService, booking config.BookingConfig, log *zap.Logger) *ReservationHandler {
    if booking.Location == nil {
        booking.Location = svc.Location()
    }
    if booking.MaxPartySize <= 0 {
        booking.MaxPartySize = svc.MaxPartySize()
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &ReservationHandler{svc: svc, booking: booking, log: log, now: time.Now}
}

type reservationReq struct {
    StartTime *string `json:"start_time"`
    EndTime   *string `json:"end_time"`
    Count     *int    `json:"count"`
}

type reservationResp struct {
    ID        uint64    `json:"id"`
    User      uint64    `json:"user"`
    StartTime string    `json:"start_time"`
    EndTime   string    `json:"end_time"`
    Status    string    `json:"status"`
    Count     int       `json:"count"`
    SlotIDs   []uint64  `json:"slot_ids"`
    CreatedAt time.Time `json:"created_at"`
    UpdatedAt time.Time `json:"updated_at"`
}

func (h *ReservationHandler) toResp(r model.Reservation) reservationResp {
    ids := r.SlotIDs
    if ids == nil {
        ids = []uint64{}
    }
    return reservationResp{
        ID:        r.ID,
        User:      r.UserID,
        StartTime: r.StartTime.In(h.booking.Location).Format(timeLayout),
        EndTime:   r.EndTime.In(h.booking.Location).Format(timeLayout),
        Status:    string(r.Status),
        Count:     r.PartySize,
        SlotIDs:   ids,
        CreatedAt: r.CreatedAt,
        UpdatedAt: r.UpdatedAt,
    }
}

// List handles GET /v1/reservations.  Admins see every reservation,
// customers their own, newest first.
func (h *ReservationHandler) List(c echo.Context) error {
    uid, role, ok := middleware.CurrentUser(c)
    if !ok {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
    }
    f := service.ListFilter{UserID: uid}
    if role == model.RoleAdmin {
        f.UserID = 0
    }
    list, err := h.svc.List(c.Request().Context(), f)
    if err != nil {
        return h.fail(c, err)
    }
    out := make([]reservationResp, 0, len(list))
    for _, r := range list {
        out = append(out, h.toResp(r))
    }
    return c.JSON(http.StatusOK, echo.Map{"reservations": out})
}

// Create handles POST /v1/reservations.  The body carries start_time,
// end_time ("YYYY-MM-DD HH:MM", on the hour) and count.  The result is a
// pending reservation; no capacity is consumed until an admin confirms it.
func (h *ReservationHandler) Create(c echo.Context) error {
    uid, _, ok := middleware.CurrentUser(c)
    if !ok {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
    }
    var req reservationReq
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
    }
    if req.StartTime == nil || req.EndTime == nil || req.Count == nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "start_time, end_time and count are required"})
    }
    start, msg := h.parseTime("start_time", *req.StartTime)
    if msg == "" {
        msg = h.checkWindow(start)
    }
    if msg != "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
    }
    end, msg := h.parseTime("end_time", *req.EndTime)
    if msg == "" && !end.After(start) {
        msg = "end_time must be after start_time"
    }
    if msg == "" {
        msg = h.checkCount(*req.Count)
    }
    if msg != "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
    }

    res, err := h.svc.Create(c.Request().Context(), service.CreateRequest{
        UserID:    uid,
        Start:     start,
        End:       end,
        PartySize: *req.Count,
    })
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusCreated, echo.Map{
        "message":     "reservation requested",
        "reservation": h.toResp(res),
    })
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
    res, ok, err := h.reservationFor(c)
    if !ok {
        return err
    }
    return c.JSON(http.StatusOK, h.toResp(res))
}

// Modify handles PATCH /v1/reservations/:id.  Absent fields keep their
// current value.  A new start_time must fall inside the booking window.
func (h *ReservationHandler) Modify(c echo.Context) error {
    cur, ok, err := h.reservationFor(c)
    if !ok {
        return err
    }
    var req reservationReq
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
    }
    if req.StartTime == nil && req.EndTime == nil && req.Count == nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "nothing to change"})
    }

    var mr service.ModifyRequest
    if req.StartTime != nil {
        start, msg := h.parseTime("start_time", *req.StartTime)
        if msg == "" {
            msg = h.checkWindow(start)
        }
        if msg != "" {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
        }
        mr.Start = &start
    }
    if req.EndTime != nil {
        end, msg := h.parseTime("end_time", *req.EndTime)
        if msg != "" {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
        }
        mr.End = &end
    }
    if req.Count != nil {
        if msg := h.checkCount(*req.Count); msg != "" {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
        }
        mr.PartySize = req.Count
    }

    res, err := h.svc.Modify(c.Request().Context(), cur.ID, mr)
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusOK, h.toResp(res))
}

// Cancel handles POST /v1/reservations/:id/cancel.  Cancelling twice is
// not an error.
func (h *ReservationHandler) Cancel(c echo.Context) error {
    cur, ok, err := h.reservationFor(c)
    if !ok {
        return err
    }
    res, err := h.svc.Cancel(c.Request().Context(), cur.ID)
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusOK, h.toResp(res))
}

// Confirm handles POST /v1/reservations/:id/confirm (admin only).
func (h *ReservationHandler) Confirm(c echo.Context) error {
    id, err := strconv.ParseUint(c.Param("id"), 10, 64)
    if err != nil || id == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
    }
    res, err := h.svc.Confirm(c.Request().Context(), id)
    if err != nil {
        return h.fail(c, err)
    }
    return c.JSON(http.StatusOK, h.toResp(res))
}

// reservationFor loads the reservation named by :id when the caller owns
// it or is an admin.  When ok is false the response has been written and
// err is what the handler should return.
func (h *ReservationHandler) reservationFor(c echo.Context) (res model.Reservation, ok bool, err error) {
    uid, role, authed := middleware.CurrentUser(c)
    if !authed {
        return res, false, c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
    }
    id, perr := strconv.ParseUint(c.Param("id"), 10, 64)
    if perr != nil || id == 0 {
        return res, false, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
    }
    res, gerr := h.svc.Get(c.Request().Context(), id)
    if gerr != nil {
        return res, false, h.fail(c, gerr)
    }
    if role != model.RoleAdmin && res.UserID != uid {
        return res, false, h.fail(c, repository.ErrForbidden)
    }
    return res, true, nil
}

func (h *ReservationHandler) parseTime(field, raw string) (time.Time, string) {
    t, err := time.ParseInLocation(timeLayout, raw, h.booking.Location)
    if err != nil {
        return time.Time{}, field + " must look like YYYY-MM-DD HH:MM"
    }
    if t.Minute() != 0 {
        return time.Time{}, field + " must be on the hour"
    }
    return t, ""
}

func (h *ReservationHandler) checkWindow(start time.Time) string {
    now := h.now().In(h.booking.Location)
    if start.Before(now.AddDate(0, 0, h.booking.MinLeadDays)) {
        return fmt.Sprintf("start_time must be at least %d days from now", h.booking.MinLeadDays)
    }
    if start.After(now.AddDate(0, 0, h.booking.MaxLeadDays)) {
        return fmt.Sprintf("start_time must be within %d days from now", h.booking.MaxLeadDays)
    }
    return ""
}

func (h *ReservationHandler) checkCount(n int) string {
    if n < 1 {
        return "count must be at least 1"
    }
    if n > h.booking.MaxPartySize {
        return fmt.Sprintf("count must not exceed %d", h.booking.MaxPartySize)
    }
    return ""
}

// fail maps service and repository errors to responses.
func (h *ReservationHandler) fail(c echo.Context, err error) error {
    var ce *service.CapacityError
    switch {
    case errors.Is(err, service.ErrInvalidRelease), errors.Is(err, service.ErrCompensationFailed):
        h.log.Error("capacity bookkeeping failed",
            zap.String("path", c.Path()), zap.String("id", c.Param("id")), zap.Error(err))
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
    case errors.As(err, &ce):
        body := echo.Map{"error": "insufficient_capacity", "message": err.Error()}
        status := http.StatusBadRequest
        if errors.Is(err, service.ErrReservationInfeasible) {
            body["error"] = "reservation_infeasible"
            status = http.StatusUnprocessableEntity
        }
        at := ce.At.In(h.booking.Location)
        body["date"] = at.Format("2006-01-02")
        body["hour"] = at.Hour()
        if !ce.Missing {
            body["remaining"] = ce.Remaining
        }
        return c.JSON(status, body)
    case errors.Is(err, service.ErrInsufficientCapacity):
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "insufficient_capacity", "message": err.Error()})
    case errors.Is(err, service.ErrReservationInfeasible):
        return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "reservation_infeasible", "message": err.Error()})
    case errors.Is(err, service.ErrInvalidTransition):
        return c.JSON(http.StatusConflict, echo.Map{"error": "invalid_transition", "message": err.Error()})
    case errors.Is(err, service.ErrLockBusy):
        c.Response().Header().Set("Retry-After", "1")
        return c.JSON(http.StatusConflict, echo.Map{"error": "lock_busy", "message": "another change to this reservation is in progress, retry shortly"})
    case errors.Is(err, service.ErrInvalidRequest):
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": err.Error()})
    case errors.Is(err, repository.ErrNotFound):
        return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
    case errors.Is(err, repository.ErrForbidden):
        return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
    }
    h.log.Error("reservation request failed", zap.String("path", c.Path()), zap.Error(err))
    return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
}
