// Package repository holds the MySQL backed stores and the sentinel errors
// shared by every store implementation.  Handlers and services compare
// against these values with errors.Is, so in-memory stores return the same
// sentinels.
package repository

import "errors"

// ErrNotFound is returned when a reservation, slot or user does not exist.
// Handlers translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrEmailExists is returned by UserRepo.Create on a duplicate email.
var ErrEmailExists = errors.New("email already exists")
