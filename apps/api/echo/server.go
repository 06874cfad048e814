package echoapi

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
	"github.com/trezcool/growthhub/services/events"
)

type (
	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		AccessLog  io.Writer // request logs are disabled when nil
		UserSvc    *user.Service
		DocSvc     *document.Service
		Hub        *events.Hub
		Validate   *validator.Validate
		Translator ut.Translator
	}

	Server struct {
		deps     ServerDeps
		app      *echo.Echo
		auth     *Auth
		shutdown chan os.Signal
		errors   chan error
	}
)

var _ http.Handler = (*Server)(nil) // interface compliance check

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		auth:     NewAuth(deps.Conf),
		shutdown: make(chan os.Signal, 1),
		errors:   make(chan error, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Server.ReadTimeout = conf.Server.ReadTimeout
	s.app.Server.WriteTimeout = conf.Server.WriteTimeout

	s.app.Pre(middleware.RemoveTrailingSlash())
	if s.deps.AccessLog != nil {
		s.app.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{Output: s.deps.AccessLog}))
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug

	s.app.GET("/", s.home)
	s.app.GET("/api/health", health)

	if conf.Storage.Backend != "s3" && strings.HasPrefix(conf.Storage.PublicBaseURL, "/") {
		s.app.Static(conf.Storage.PublicBaseURL, conf.Storage.LocalDir)
	}

	v1 := s.app.Group("/api/v1")
	jwt := s.auth.Middleware()

	registerUserAPI(v1, jwt, s.auth, s.deps.UserSvc, s.deps.Validate)
	registerDocumentAPI(v1, jwt, s.deps.DocSvc, s.deps.UserSvc, conf.Uploads.MaxSize)
	if s.deps.Hub != nil {
		registerEventsAPI(s.app, s.auth, s.deps.UserSvc, s.deps.Hub)
	}
}

// Start listens until the server is shut down. Listener failures are sent to Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

// Auth exposes the server's token issuer.
func (s *Server) Auth() *Auth {
	return s.auth
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.deps.Conf.AppName+" API!")
}

func health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
