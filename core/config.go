package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		AppName                   string
		Env                       string // DEV (local; default), TEST, QA, PROD
		Build                     string
		Debug                     bool
		TestMode                  bool
		LogLevel                  string
		SecretKey                 string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		DefaultFromEmail          mail.Address
		FrontendBaseURL           string
		SendgridApiKey            string
		RollbarToken              string

		Server    ServerConfig
		Database  DatabaseConfig
		Storage   StorageConfig
		Uploads   UploadsConfig
		Events    EventsConfig
		Reminders RemindersConfig
	}

	ServerConfig struct {
		Host            string
		DebugHost       string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
	}

	DatabaseConfig struct {
		Engine          string
		Host            string
		Port            string
		Name            string
		User            string
		Password        string
		AdminUser       string
		AdminPassword   string
		DisableTLS      bool
		MaxOpenConns    int
		MaxIdleConns    int
		ConnMaxLifetime time.Duration
		ConnMaxIdleTime time.Duration
	}

	StorageConfig struct {
		Backend       string // local | s3
		LocalDir      string
		PublicBaseURL string
		S3Bucket      string
		S3Region      string
		S3Endpoint    string // LocalStack / MinIO
	}

	UploadsConfig struct {
		MaxSize int64 // bytes
	}

	EventsConfig struct {
		QueueSize int
	}

	RemindersConfig struct {
		Enabled      bool
		Schedule     string // cron schedule
		PendingAfter time.Duration
	}
)

func (dbc DatabaseConfig) Address() string {
	return net.JoinHostPort(dbc.Host, dbc.Port)
}

func (c *Config) IsProduction() bool {
	return c.Env == "PROD" || c.Env == "QA"
}

// NewConfig loads the app configuration from defaults, `config/.env.<env>` (if it exists) and the environment.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Growth Hub")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("logLevel", "info")
	v.SetDefault("secretKey", "k7!vq2#9r$m1-zx8@w&jn5(pd4)ht6*ucb0ly3+ge=sa^fo")
	v.SetDefault("jwtExpirationDelta", 24*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 7*24*time.Hour)
	v.SetDefault("defaultFromEmail", "Growth Hub <noreply@localhost>")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.host", "0.0.0.0:8000")
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.readTimeout", 5*time.Second)
	v.SetDefault("server.writeTimeout", 5*time.Second)
	v.SetDefault("server.shutdownTimeout", 5*time.Second)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "growthhub")
	v.SetDefault("database.user", "growthhub")
	v.SetDefault("database.password", "growthhub")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 25)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)
	v.SetDefault("database.connMaxIdleTime", time.Minute)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.localDir", "uploads")
	v.SetDefault("storage.publicBaseURL", "/uploads")
	v.SetDefault("storage.s3Bucket", "")
	v.SetDefault("storage.s3Region", "us-east-1")
	v.SetDefault("storage.s3Endpoint", "")

	v.SetDefault("uploads.maxSize", 10<<20)
	v.SetDefault("events.queueSize", 256)

	v.SetDefault("reminders.enabled", false)
	v.SetDefault("reminders.schedule", "0 8 * * 1-5")
	v.SetDefault("reminders.pendingAfter", 72*time.Hour)

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	case "QA", "PROD":
		v.SetDefault("debug", false)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(os.Getenv("CONFIG_DIR"), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	from, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatalf("config.defaultFromEmail: %v", err)
	}

	return &Config{
		AppName:                   v.GetString("appName"),
		Env:                       env,
		Build:                     v.GetString("build"),
		Debug:                     v.GetBool("debug"),
		TestMode:                  v.GetBool("testMode"),
		LogLevel:                  v.GetString("logLevel"),
		SecretKey:                 v.GetString("secretKey"),
		JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
		JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
		DefaultFromEmail:          *from,
		FrontendBaseURL:           v.GetString("frontendBaseURL"),
		SendgridApiKey:            v.GetString("sendgridApiKey"),
		RollbarToken:              v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			DebugHost:       v.GetString("server.debugHost"),
			ReadTimeout:     v.GetDuration("server.readTimeout"),
			WriteTimeout:    v.GetDuration("server.writeTimeout"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:          v.GetString("database.engine"),
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			Name:            v.GetString("database.name"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			AdminUser:       v.GetString("database.adminUser"),
			AdminPassword:   v.GetString("database.adminPassword"),
			DisableTLS:      v.GetBool("database.disableTLS"),
			MaxOpenConns:    v.GetInt("database.maxOpenConns"),
			MaxIdleConns:    v.GetInt("database.maxIdleConns"),
			ConnMaxLifetime: v.GetDuration("database.connMaxLifetime"),
			ConnMaxIdleTime: v.GetDuration("database.connMaxIdleTime"),
		},
		Storage: StorageConfig{
			Backend:       v.GetString("storage.backend"),
			LocalDir:      v.GetString("storage.localDir"),
			PublicBaseURL: v.GetString("storage.publicBaseURL"),
			S3Bucket:      v.GetString("storage.s3Bucket"),
			S3Region:      v.GetString("storage.s3Region"),
			S3Endpoint:    v.GetString("storage.s3Endpoint"),
		},
		Uploads: UploadsConfig{
			MaxSize: v.GetInt64("uploads.maxSize"),
		},
		Events: EventsConfig{
			QueueSize: v.GetInt("events.queueSize"),
		},
		Reminders: RemindersConfig{
			Enabled:      v.GetBool("reminders.enabled"),
			Schedule:     v.GetString("reminders.schedule"),
			PendingAfter: v.GetDuration("reminders.pendingAfter"),
		},
	}
}
