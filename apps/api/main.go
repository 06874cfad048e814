package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	echoapi "github.com/trezcool/growthhub/apps/api/echo"
	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
	"github.com/trezcool/growthhub/services/events"
	logsvc "github.com/trezcool/growthhub/services/logger"
	"github.com/trezcool/growthhub/services/reminders"
)

func main() {
	if err := newContainer().Invoke(run); err != nil {
		log.Fatal(err)
	}
}

func run(
	conf *core.Config,
	logger *logsvc.Logger,
	db *sqlx.DB,
	validate *validator.Validate,
	translator ut.Translator,
	hub *events.Hub,
	scheduler *reminders.Scheduler,
	server *echoapi.Server,
) {
	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Close()
	defer logger.Info("Application stopped")

	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	core.ParseEmailTemplates(logger, conf)

	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)

	if conf.Reminders.Enabled {
		if err := scheduler.Start(); err != nil {
			logger.Fatal(fmt.Sprintf("starting reminders: %v", err), err)
		}
		defer scheduler.Stop()
	}

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	go func() {
		logger.Info(fmt.Sprintf("API listening on %s", conf.Server.Host))
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancelShutdown()

		// asking listener to shut down and shed load
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
