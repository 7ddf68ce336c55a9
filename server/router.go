package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RouterOptions the routing layer options
type RouterOptions struct {
	Logger *slog.Logger `yaml:"-"`
	// Token guards every route with bearer auth when set.
	Token string `yaml:"token"`
}

// NewRouter returns a router dispatching per path and method, with
// request logging, panic recovery and optional bearer auth installed.
// Register handlers on it and pass it to New as the server handler.
func NewRouter(opt RouterOptions) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = errorHandler
	e.HideBanner = true
	e.HidePort = true
	e.Use(loggerMiddleware(opt), middleware.Recover())
	if opt.Token != "" {
		e.Use(authMiddleware(opt))
	}
	e.Any("/ping", ping)
	return e
}

func errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
	}

	if err = c.JSON(code, map[string]string{"msg": err.Error()}); err != nil {
		c.Logger().Error(err)
	}
}

func ping(ctx echo.Context) error {
	return ctx.NoContent(http.StatusOK)
}

func loggerMiddleware(opt RouterOptions) echo.MiddlewareFunc {
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	})
}

func authMiddleware(opt RouterOptions) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(auth string, c echo.Context) (bool, error) {
			return auth == opt.Token, nil
		},
	})
}
