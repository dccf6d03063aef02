// Command oidclinkd serves the OIDC login and callback endpoints and links
// provider identities to local accounts.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/PaulFidika/oidclink/adapters/gin/handlers"
	"github.com/PaulFidika/oidclink/core"
	"github.com/PaulFidika/oidclink/identity"
	"github.com/PaulFidika/oidclink/maintenance"
	migrations "github.com/PaulFidika/oidclink/migrations/postgres"
	"github.com/PaulFidika/oidclink/notify"
	oidckit "github.com/PaulFidika/oidclink/oidc"
	memorystore "github.com/PaulFidika/oidclink/storage/memory"
	redisstore "github.com/PaulFidika/oidclink/storage/redis"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

type config struct {
	HTTPAddr         string
	DatabaseURL      string
	DatabaseSchema   string
	RedisAddr        string
	Issuer           string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	Scopes           []string
	MungePassword    bool
	PreserveID       bool
	DuplicateReport  string
	LogLevel         string
	ShutdownDeadline time.Duration
}

func loadConfig() config {
	return config{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DatabaseSchema:   getenv("DATABASE_SCHEMA", "profiles"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		Issuer:           os.Getenv("OIDC_ISSUER"),
		ClientID:         os.Getenv("OIDC_CLIENT_ID"),
		ClientSecret:     os.Getenv("OIDC_CLIENT_SECRET"),
		RedirectURL:      os.Getenv("OIDC_REDIRECT_URL"),
		Scopes:           strings.Fields(os.Getenv("OIDC_SCOPES")),
		MungePassword:    getbool("OIDC_MUNGE_PASSWORD"),
		PreserveID:       getbool("OIDC_SAME_ID"),
		DuplicateReport:  os.Getenv("OIDC_DUPLICATE_REPORT_SCHEDULE"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		ShutdownDeadline: 10 * time.Second,
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getbool(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return b
}

func main() {
	cfg := loadConfig()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("oidclinkd exited")
	}
}

func run(ctx context.Context, cfg config, log *logrus.Logger) error {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return errors.New("OIDC_ISSUER, OIDC_CLIENT_ID and OIDC_REDIRECT_URL are required")
	}

	var (
		store     identity.Store
		notifiers = notify.Multi{notify.Log{Logger: log}}
		states    oidckit.StateCache
		fanout    core.Notifier = notify.Log{Logger: log}
	)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		states = redisstore.NewStateCache(rdb, "", 0)
		fanout = notify.NewRedisPublisher(rdb, "")
	} else {
		mem := memorystore.NewStateCache(0)
		defer mem.Close()
		states = mem
		log.Warn("REDIS_ADDR not set; login state is held in process memory")
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
		defer db.Close()
		if err := migrations.Migrate(ctx, db, log); err != nil {
			return err
		}
		riverMigrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			return err
		}
		if _, err := riverMigrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			return err
		}

		workers := river.NewWorkers()
		river.AddWorker(workers, &notify.IdentityEventWorker{Next: fanout, Log: log})
		rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
			Queues:  map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: 4}},
			Workers: workers,
		})
		if err != nil {
			return err
		}
		if err := rc.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
			defer cancel()
			_ = rc.Stop(stopCtx)
		}()

		pg := identity.NewPostgresStore(pool, cfg.DatabaseSchema)
		store = pg
		notifiers = append(notifiers, notify.NewRiverNotifier(rc, ""))

		c := cron.New()
		if _, err := maintenance.ScheduleDuplicateReport(c, cfg.DuplicateReport, &maintenance.DuplicateReporter{
			Store:   pg,
			Log:     log,
			Timeout: time.Minute,
		}); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	} else {
		store = memorystore.NewAccountStore(core.DefaultNamespace)
		if cfg.RedisAddr != "" {
			notifiers = append(notifiers, fanout)
		}
		log.Warn("DATABASE_URL not set; accounts are held in process memory")
	}

	rp, err := oidckit.NewRelyingParty(ctx, oidckit.RPConfig{
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	})
	if err != nil {
		return err
	}

	svc := core.New(store, core.Config{
		MungePassword:       cfg.MungePassword,
		PreserveSubjectAsID: cfg.PreserveID,
	}, core.WithLogger(log), core.WithNotifier(notifiers))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/auth/oidc/login", handlers.HandleOIDCLoginGET(rp, states, log))
	r.GET("/auth/oidc/callback", handlers.HandleOIDCCallbackGET(handlers.CallbackConfig{
		Exchanger: rp,
		States:    states,
		Resolver:  svc,
		Log:       log,
	}))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
