package main

import (
	"context"
	"fmt"
	"log"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/growthhub/apps/api/echo"
	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
	emailsvc "github.com/trezcool/growthhub/services/email"
	"github.com/trezcool/growthhub/services/events"
	filesvc "github.com/trezcool/growthhub/services/files"
	logsvc "github.com/trezcool/growthhub/services/logger"
	"github.com/trezcool/growthhub/services/reminders"
	"github.com/trezcool/growthhub/storage/database"
	pgrepos "github.com/trezcool/growthhub/storage/database/postgres"
)

type serverParams struct {
	dig.In

	Conf       *core.Config
	Logger     *logsvc.Logger
	UserSvc    *user.Service
	DocSvc     *document.Service
	Hub        *events.Hub
	Validate   *validator.Validate
	Translator ut.Translator
}

func newLogger(conf *core.Config) (*logsvc.Logger, core.Logger) {
	logger := logsvc.New(conf)
	return logger, logger
}

func newDB(conf *core.Config, logger core.Logger) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout*6)
	defer cancel()

	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, err
	}
	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}
	if err = database.Ping(ctx, db); err != nil {
		return nil, err
	}
	if err = database.Migrate(db, "up"); err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("database ready at %s", conf.Database.Address()))
	return db, nil
}

func newFileStorage(conf *core.Config) (core.FileStorage, error) {
	return filesvc.New(context.Background(), conf)
}

func newPublisher(hub *events.Hub) core.EventPublisher {
	return hub
}

func newReminderSender(svc *document.Service) reminders.Sender {
	return svc
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:       p.Conf,
		Logger:     p.Logger,
		AccessLog:  p.Logger.Logrus().Writer(),
		UserSvc:    p.UserSvc,
		DocSvc:     p.DocSvc,
		Hub:        p.Hub,
		Validate:   p.Validate,
		Translator: p.Translator,
	})
}

// newContainer returns the API's dependency injection dig.Container.
func newContainer() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDB))
	must(c.Provide(database.NewTransactor))
	must(c.Provide(pgrepos.NewUserRepository))
	must(c.Provide(pgrepos.NewDocumentRepository))
	must(c.Provide(emailsvc.New))
	must(c.Provide(newFileStorage))
	must(c.Provide(events.NewHub))
	must(c.Provide(newPublisher))
	must(c.Provide(validator.New))
	must(c.Provide(newTranslator))
	must(c.Provide(user.NewService))
	must(c.Provide(document.NewService))
	must(c.Provide(newReminderSender))
	must(c.Provide(reminders.NewScheduler))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
