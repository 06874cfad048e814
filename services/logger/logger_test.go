package logsvc

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rollbar/rollbar-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/growthhub/core/user"
	"github.com/trezcool/growthhub/testutil"
)

func TestLogger(t *testing.T) {
	logger := Discard()
	logger.Logrus().SetLevel(logrus.DebugLevel)
	hook := test.NewLocal(logger.Logrus())

	usr := user.User{ID: "u1", FullName: "Teacher One", Email: "teacher@test.cd"}
	other := user.User{ID: "u2"}
	err := errors.New("boom")

	logger.Error("assigning document", err, map[string]interface{}{"document_id": "d1"}, usr, other)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "assigning document", entry.Message)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.Equal(t, "d1", entry.Data["document_id"])
	assert.Equal(t, "u1", entry.Data["user_id"], "only the first user is kept")

	logger.Debug("debugging")
	logger.Info("informing", "ignored extra")
	logger.Warn("warning")
	require.Len(t, hook.AllEntries(), 4)
	assert.Equal(t, logrus.DebugLevel, hook.AllEntries()[1].Level)
	assert.Equal(t, logrus.InfoLevel, hook.AllEntries()[2].Level)
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[3].Level)

	logger.Close()
}

func TestNew(t *testing.T) {
	conf := testutil.Config(t.TempDir())
	conf.RollbarToken = "token" // never enabled in TEST mode

	logger := New(conf)
	assert.False(t, logger.rollbar)
	assert.Equal(t, logrus.DebugLevel, logger.Logrus().GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Logrus().Formatter)

	conf.LogLevel = "lol"
	assert.Equal(t, logrus.InfoLevel, New(conf).Logrus().GetLevel())

	conf.Env = "PROD"
	assert.IsType(t, &logrus.JSONFormatter{}, New(conf).Logrus().Formatter)
}

func personOf(rbArgs []interface{}) *rollbar.Person {
	for _, arg := range rbArgs {
		if ctx, ok := arg.(context.Context); ok {
			if p, ok := rollbar.PersonFromContext(ctx); ok {
				return p
			}
		}
	}
	return nil
}

func TestLogger_prepare_person(t *testing.T) {
	logger := Discard()

	_, rbArgs := logger.prepare("no user", []interface{}{errors.New("boom")})
	assert.Nil(t, personOf(rbArgs))

	_, rbArgs = logger.prepare("two users", []interface{}{user.User{ID: "u1", FullName: "Teacher One", Email: "t1@test.cd"}, user.User{ID: "u2"}})
	p := personOf(rbArgs)
	require.NotNil(t, p)
	assert.Equal(t, rollbar.Person{Id: "u1", Username: "Teacher One", Email: "t1@test.cd"}, *p)

	// every item carries its own user
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			entry, rbArgs := logger.prepare("concurrent", []interface{}{user.User{ID: id}})
			assert.Equal(t, id, entry.Data["user_id"])
			if p := personOf(rbArgs); assert.NotNil(t, p) {
				assert.Equal(t, id, p.Id)
			}
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()
}
