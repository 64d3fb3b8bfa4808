package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/campoverde/campo/pkg/appctx"
)

const (
	// HeaderDeviceID is the header key for the field device identity
	HeaderDeviceID = "X-Device-ID"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			// get request id from header
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			// get device id from header
			deviceID := req.Header.Get(HeaderDeviceID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetMethod(ctx, req.Method)
			ctx = appctx.SetRoute(ctx, req.URL.Path)
			ctx = appctx.SetRemoteIP(ctx, c.RealIP())
			ctx = appctx.SetDeviceID(ctx, deviceID)

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
