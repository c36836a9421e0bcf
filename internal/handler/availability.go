package handler

import (
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/exam-slot-reservation/internal/service"
)

// Available handles GET /v1/slots/available?date=YYYY-MM-DD[&count=N].
// Dates outside the booking window get an empty list with an explanation.
// On the first bookable day only hours after the current one are listed.
func (h *ReservationHandler) Available(c echo.Context) error {
    raw := c.QueryParam("date")
    if raw == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "date is required"})
    }
    loc := h.booking.Location
    date, err := time.ParseInLocation("2006-01-02", raw, loc)
    if err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "date must look like YYYY-MM-DD"})
    }
    count := 0
    if s := c.QueryParam("count"); s != "" {
        n, err := strconv.Atoi(s)
        if err != nil {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "count must be a number"})
        }
        if msg := h.checkCount(n); msg != "" {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
        }
        count = n
    }

    now := h.now().In(loc)
    y, m, d := now.Date()
    first := time.Date(y, m, d+h.booking.MinLeadDays, 0, 0, 0, 0, loc)
    last := time.Date(y, m, d+h.booking.MaxLeadDays, 0, 0, 0, 0, loc)
    empty := []service.SlotAvailability{}
    switch {
    case date.Before(first):
        return c.JSON(http.StatusOK, echo.Map{
            "message":         "only dates at least " + strconv.Itoa(h.booking.MinLeadDays) + " days ahead can be booked",
            "available_slots": empty,
        })
    case date.After(last):
        return c.JSON(http.StatusOK, echo.Map{
            "message":         "only dates within " + strconv.Itoa(h.booking.MaxLeadDays) + " days can be booked",
            "available_slots": empty,
        })
    }

    slots, err := h.svc.ListAvailability(c.Request().Context(), date, count)
    if err != nil {
        return h.fail(c, err)
    }
    out := empty
    for _, s := range slots {
        if date.Equal(first) && s.Hour <= now.Hour() {
            continue
        }
        out = append(out, s)
    }
    return c.JSON(http.StatusOK, echo.Map{
        "message":         "available slots listed",
        "available_slots": out,
    })
}
