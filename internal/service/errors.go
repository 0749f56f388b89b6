package service

import "errors"

// ErrDenied refuses a connection whose credential could not be
// authenticated. It is user-visible as "access denied" and never
// logged as a server fault.
var ErrDenied = errors.New("access denied")

// ErrForbidden refuses an authenticated connection that holds no
// usable grant on the requested document. Distinct from ErrDenied so
// clients can tell a bad credential from a missing permission.
var ErrForbidden = errors.New("access forbidden")
