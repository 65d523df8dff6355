package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"

	"github.com/labstack/echo/v4"
)

func mountPprof(e *echo.Echo) {
	g := e.Group("/debug/pprof")
	g.GET("/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.POST("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, echo.WrapHandler(hpprof.Handler(name)))
	}
}
