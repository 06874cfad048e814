package main

import (
	"context"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
	logsvc "github.com/trezcool/growthhub/services/logger"
	"github.com/trezcool/growthhub/storage/database"
	pgrepos "github.com/trezcool/growthhub/storage/database/postgres"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.New(conf)
	defer logger.Close()

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal("opening database", err)
	}
	if err = database.Ping(context.Background(), db); err != nil {
		logger.Fatal("reaching database", err)
	}

	validate := validator.New()
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	// start CLI
	cli := commandLine{
		db:     db,
		usrSvc: user.NewService(pgrepos.NewUserRepository(db), validate),
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error("admin command failed", err)
		}
		os.Exit(1)
	}
}
