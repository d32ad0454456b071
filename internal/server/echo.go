package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// MountEcho serves h under base on an echo server. h is usually
// Router.Handler() built with the same base path.
func MountEcho(e *echo.Echo, base string, h http.Handler) {
	base = sanitizeBase(base)
	wrapped := echo.WrapHandler(h)
	if base == "" {
		e.Any("/*", wrapped)
		return
	}
	e.Any(base, wrapped)
	e.Any(base+"/*", wrapped)
}
