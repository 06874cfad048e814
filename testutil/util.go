// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"bytes"
	"context"
	"net/mail"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
)

// Password satisfies the password policy for the users created below.
const Password = "Xk9#mQv2!Lp"

// Config returns a TEST configuration; uploads are stored under dir.
func Config(dir string) *core.Config {
	return &core.Config{
		AppName:                   "Growth Hub",
		Env:                       "TEST",
		Build:                     "test",
		TestMode:                  true,
		LogLevel:                  "debug",
		SecretKey:                 "secret",
		JWTExpirationDelta:        10 * time.Minute,
		JWTRefreshExpirationDelta: 4 * time.Hour,
		DefaultFromEmail:          mail.Address{Name: "Growth Hub", Address: "noreply@localhost"},
		FrontendBaseURL:           "http://localhost:3000",
		Server: core.ServerConfig{
			Host:            "127.0.0.1:0",
			ShutdownTimeout: time.Second,
		},
		Storage: core.StorageConfig{
			Backend:       "local",
			LocalDir:      dir,
			PublicBaseURL: "/uploads",
		},
		Uploads:   core.UploadsConfig{MaxSize: 10 << 20},
		Events:    core.EventsConfig{QueueSize: 256},
		Reminders: core.RemindersConfig{Schedule: "@every 1h", PendingAfter: 72 * time.Hour},
	}
}

// NewValidator returns a validator with the app's validations & english translations registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate, translator
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, email string,
	role user.Role,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		FullName:  name,
		Email:     email,
		Role:      role,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if err := usr.SetPassword(Password); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateDocument(t *testing.T, repo document.Repository, title string, by user.User, createdAt ...time.Time) document.Document {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	doc, err := repo.CreateDocument(context.Background(), document.Document{
		Title:       title,
		FileURL:     "/uploads/" + title + ".pdf",
		FileName:    title + ".pdf",
		FileSize:    1024,
		Version:     "1.0",
		CreatedByID: by.ID,
		CreatedAt:   tstamp,
	})
	if err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
	return doc
}

// PDF returns size bytes that sniff as application/pdf.
func PDF(size int) []byte {
	header := []byte("%PDF-1.4\n")
	if size < len(header) {
		size = len(header)
	}
	data := bytes.Repeat([]byte{'0'}, size)
	copy(data, header)
	return data
}

type (
	// Event is a call recorded by Publisher.
	Event struct {
		Room    string
		Event   string
		Payload interface{}
	}

	// Publisher records published events; every call fails with Err when set.
	Publisher struct {
		mu     sync.Mutex
		events []Event
		Err    error
	}
)

var _ core.EventPublisher = (*Publisher)(nil) // interface compliance check

func (p *Publisher) Publish(room, event string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Room: room, Event: event, Payload: payload})
	return p.Err
}

func (p *Publisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Rooms counts the recorded events per room.
func (p *Publisher) Rooms() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range p.events {
		counts[e.Room]++
	}
	return counts
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
