package echoapi

import (
	"github.com/labstack/echo/v4"

	"github.com/trezcool/growthhub/core/user"
)

// userMiddleware loads the authenticated user into the context, rejecting deactivated accounts.
func userMiddleware(svc *user.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if _, err := getContextUser(ctx, svc); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

func supervisorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if usr, ok := ctx.Get(contextUserKey).(user.User); ok && usr.IsSupervisory() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

func adminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if usr, ok := ctx.Get(contextUserKey).(user.User); ok && usr.IsAdmin() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
