package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

const errNoPermsToSetRole = "not enough rights to set this role"

type userApi struct {
	svc      *user.Service
	auth     *Auth
	validate *validator.Validate
}

func registerUserAPI(g *echo.Group, jwt echo.MiddlewareFunc, auth *Auth, svc *user.Service, validate *validator.Validate) {
	api := userApi{svc: svc, auth: auth, validate: validate}

	ug := g.Group("/users")

	// un-authed endpoints
	ug.POST("/login", api.login)

	// authed endpoints
	ag := ug.Group("", jwt, userMiddleware(svc))
	ag.POST("/token-refresh", api.refreshToken)
	ag.GET("/me", api.me)
	ag.GET("", api.query, supervisorMiddleware())
	ag.GET("/roles", api.queryRoles, supervisorMiddleware())
	ag.POST("/register", api.create, adminMiddleware())
	ag.DELETE("", api.destroyMultiple, adminMiddleware())
	ag.GET("/:id", api.retrieve, supervisorMiddleware())
	ag.PATCH("/:id", api.update, adminMiddleware())
	ag.PUT("/:id", api.update, adminMiddleware())
	ag.DELETE("/:id", api.destroy, adminMiddleware())
}

// Handlers

func (api *userApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := api.svc.Authenticate(ctx.Request().Context(), data.Email, data.Password)
	if err != nil {
		switch errors.Cause(err) {
		case user.ErrInvalidCredentials:
			return errAuthenticationFailed
		case user.ErrAccountDeactivated:
			return errAccountDeactivated
		}
		return errors.Wrap(err, "authenticating")
	}
	token, err := api.auth.UserToken(usr)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}

	return ctx.JSON(http.StatusOK, LoginResponse{Token: token, User: &usr})
}

func (api *userApi) refreshToken(ctx echo.Context) error {
	token, err := api.auth.refreshToken(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *userApi) me(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) create(ctx echo.Context) error {
	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}

	// ctxUser cannot set a role above their own
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return err
	}
	if data.Role.Valid() && data.Role.Priority() > ctxUsr.Role.Priority() {
		return core.NewValidationError(nil, core.FieldError{Field: "role", Error: errNoPermsToSetRole})
	}

	usr, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating user")
	}
	return ctx.JSON(http.StatusCreated, usr)
}

func (api *userApi) query(ctx echo.Context) error {
	var filter user.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []user.User{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	users, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	if users == nil {
		users = []user.User{}
	}
	return ctx.JSON(http.StatusOK, users)
}

func (api *userApi) retrieve(ctx echo.Context) error {
	usr, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "finding user by ID")
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) update(ctx echo.Context) error {
	var data user.UpdateUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateUser")
	}

	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return err
	}
	usr, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "finding user by ID")
	}

	// ctxUser cannot edit a user above their own role, nor set a role above it
	if usr.Role.Priority() > ctxUsr.Role.Priority() {
		return errHttpForbidden
	}
	if data.Role.Valid() && data.Role.Priority() > ctxUsr.Role.Priority() {
		return core.NewValidationError(nil, core.FieldError{Field: "role", Error: errNoPermsToSetRole})
	}
	// nor lock themselves out
	if usr.ID == ctxUsr.ID && data.IsActive != nil && !*data.IsActive {
		return errHttpForbidden
	}

	usr, err = api.svc.Update(ctx.Request().Context(), usr.ID, data)
	if err != nil {
		return errors.Wrap(err, "updating user")
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) destroy(ctx echo.Context) error {
	// Say No to Suicide! ctxUser cannot delete themselves
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return err
	}
	id := ctx.Param("id")
	if id == ctxUsr.ID {
		return errHttpForbidden
	}

	if err = api.svc.Delete(ctx.Request().Context(), id); err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "deleting user")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *userApi) destroyMultiple(ctx echo.Context) error {
	var data DestroyMultipleRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DestroyMultipleRequest")
	}

	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return err
	}
	for _, id := range data.IDs {
		if id == ctxUsr.ID {
			return errHttpForbidden
		}
	}

	err = api.svc.Delete(ctx.Request().Context(), data.IDs...)
	if err != nil && errors.Cause(err) != user.ErrNotFound {
		return errors.Wrap(err, "deleting users")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *userApi) queryRoles(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, user.Roles)
}

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token string     `json:"token"`
		User  *user.User `json:"user,omitempty"`
	}

	DestroyMultipleRequest struct {
		IDs []string `json:"ids"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}
