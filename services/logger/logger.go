package logsvc

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"
	"github.com/sirupsen/logrus"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

// Logger writes structured logs with logrus and reports them to Rollbar when a token is configured.
type Logger struct {
	log     *logrus.Logger
	rollbar bool
}

var _ core.Logger = (*Logger)(nil)

func New(conf *core.Config) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(conf.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if conf.IsProduction() {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	enabled := conf.RollbarToken != "" && !conf.TestMode
	if enabled {
		rollbar.SetToken(conf.RollbarToken)
		rollbar.SetEnvironment(conf.Env)
		rollbar.SetServerHost(conf.Server.Host)
		rollbar.SetCodeVersion(conf.Build)
		rollbar.SetStackTracer(errors.StackTracer)
	}
	rollbar.SetEnabled(enabled)

	return &Logger{log: l, rollbar: enabled}
}

// Discard returns a Logger that writes nowhere; for tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{log: l}
}

// Logrus exposes the underlying logger (e.g. for echo's access log).
func (l *Logger) Logrus() *logrus.Logger { return l.log }

// Close flushes pending Rollbar items.
func (l *Logger) Close() {
	if l.rollbar {
		rollbar.Close()
	}
}

// expected fmt: msg | error, map[string]interface{}, user.User
// The user travels with the rollbar item in a context, so concurrent calls never share it.
func (l *Logger) prepare(msg string, args []interface{}) (*logrus.Entry, []interface{}) {
	var usrSet bool
	entry := logrus.NewEntry(l.log)
	rbArgs := make([]interface{}, 0, len(args)+2)
	rbArgs = append(rbArgs, msg)

	for _, arg := range args {
		switch a := arg.(type) {
		case user.User:
			// only set one User
			if !usrSet {
				entry = entry.WithField("user_id", a.ID)
				rbArgs = append(rbArgs, rollbar.NewPersonContext(context.Background(), &rollbar.Person{
					Id:       a.ID,
					Username: a.FullName,
					Email:    a.Email,
				}))
				usrSet = true
			}
		case error:
			entry = entry.WithError(a)
			rbArgs = append(rbArgs, a)
		case map[string]interface{}:
			entry = entry.WithFields(a)
			rbArgs = append(rbArgs, a)
		default:
			rbArgs = append(rbArgs, a)
		}
	}
	return entry, rbArgs
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	entry, rbArgs := l.prepare(msg, args)
	if l.rollbar {
		rollbar.Debug(rbArgs...)
	}
	entry.Debug(msg)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	entry, rbArgs := l.prepare(msg, args)
	if l.rollbar {
		rollbar.Info(rbArgs...)
	}
	entry.Info(msg)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	entry, rbArgs := l.prepare(msg, args)
	if l.rollbar {
		rollbar.Warning(rbArgs...)
	}
	entry.Warn(msg)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	entry, rbArgs := l.prepare(msg, args)
	if l.rollbar {
		rollbar.Error(rbArgs...)
	}
	entry.Error(msg)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	entry, rbArgs := l.prepare(msg, args)
	if l.rollbar {
		rollbar.Critical(rbArgs...)
		rollbar.Close()
	}
	entry.Fatal(msg)
}
