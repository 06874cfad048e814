package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

const (
	contextTokenKey = "userToken"
	contextUserKey  = "user"
	tokenQueryParam = "token"
	tokenAudience   = "Growth Hub"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt  int64     `json:"oriat,omitempty"`
	FullName      string    `json:"full_name,omitempty"`
	Email         string    `json:"email,omitempty"`
	Role          user.Role `json:"role,omitempty"`
	IsSupervisory bool      `json:"is_supervisory,omitempty"` // -> LEADERS DASHBOARD
	IsAdmin       bool      `json:"is_admin,omitempty"`       // -> ADMIN PORTAL
}

// Auth issues & verifies the API's JWTs.
type Auth struct {
	conf       *core.Config
	signingKey []byte
}

func NewAuth(conf *core.Config) *Auth {
	return &Auth{conf: conf, signingKey: []byte(conf.SecretKey)}
}

func (a *Auth) jwtConfig() middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    a.signingKey,
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// Middleware authenticates requests carrying a bearer token.
func (a *Auth) Middleware() echo.MiddlewareFunc {
	return middleware.JWTWithConfig(a.jwtConfig())
}

// QueryMiddleware authenticates requests carrying the token in the query string (websockets).
func (a *Auth) QueryMiddleware() echo.MiddlewareFunc {
	conf := a.jwtConfig()
	conf.TokenLookup = "query:" + tokenQueryParam
	return middleware.JWTWithConfig(conf)
}

func (a *Auth) Claims(usr user.User, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    a.conf.AppName,
			Subject:   usr.ID,
			Audience:  tokenAudience,
			ExpiresAt: now.Add(a.conf.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt:  oriat,
		FullName:      usr.FullName,
		Email:         usr.Email,
		Role:          usr.Role,
		IsSupervisory: usr.IsSupervisory(),
		IsAdmin:       usr.IsAdmin(),
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func (a *Auth) GenerateToken(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// UserToken returns a fresh token for usr.
func (a *Auth) UserToken(usr user.User) (string, error) {
	return a.GenerateToken(a.Claims(usr))
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextUser loads the authenticated user once per request.
// Deactivated or deleted users are rejected even when their token is still valid.
func getContextUser(ctx echo.Context, svc *user.Service, clms ...Claims) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	var claims Claims
	var err error
	if len(clms) > 0 {
		claims = clms[0]
	} else {
		claims, err = getContextClaims(ctx)
		if err != nil {
			return user.User{}, err
		}
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errUnauthorized
		}
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		return user.User{}, errAccountDeactivated
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

func (a *Auth) refreshToken(ctx echo.Context, svc *user.Service) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", err
	}

	usr, err := getContextUser(ctx, svc, claims)
	if err != nil {
		return "", err
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(a.conf.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	token, err := a.GenerateToken(a.Claims(usr, claims.OrigIssuedAt))
	return token, errors.Wrap(err, "generating token")
}
