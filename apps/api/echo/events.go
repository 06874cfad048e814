package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core/user"
	"github.com/trezcool/growthhub/services/events"
)

var errEventsUnavailable = echo.NewHTTPError(http.StatusServiceUnavailable, "events unavailable")

func registerEventsAPI(e *echo.Echo, auth *Auth, usrSvc *user.Service, hub *events.Hub) {
	e.GET("/ws", func(ctx echo.Context) error {
		usr, err := getContextUser(ctx, usrSvc)
		if err != nil {
			return err
		}

		sub := events.Subscriber{ID: usr.ID, Supervisory: usr.IsSupervisory()}
		if err = hub.Serve(ctx.Response(), ctx.Request(), sub); err != nil {
			if errors.Cause(err) == events.ErrClosed {
				return errEventsUnavailable
			}
			// the upgrader has already replied
			if ctx.Response().Committed {
				return nil
			}
			return errors.Wrap(err, "serving websocket")
		}
		return nil
	}, auth.QueryMiddleware(), userMiddleware(usrSvc))
}
