package main

import (
    "context"
    "errors"
    stdlog "log"
    "net/http"
    "os/signal"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/labstack/echo/v4"
    echomw "github.com/labstack/echo/v4/middleware"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/iliyamo/exam-slot-reservation/internal/config"
    "github.com/iliyamo/exam-slot-reservation/internal/database"
    "github.com/iliyamo/exam-slot-reservation/internal/handler"
    "github.com/iliyamo/exam-slot-reservation/internal/ledger"
    "github.com/iliyamo/exam-slot-reservation/internal/lock"
    "github.com/iliyamo/exam-slot-reservation/internal/logger"
    "github.com/iliyamo/exam-slot-reservation/internal/metrics"
    "github.com/iliyamo/exam-slot-reservation/internal/middleware"
    "github.com/iliyamo/exam-slot-reservation/internal/queue"
    "github.com/iliyamo/exam-slot-reservation/internal/repository"
    "github.com/iliyamo/exam-slot-reservation/internal/router"
    "github.com/iliyamo/exam-slot-reservation/internal/service"
)

func main() {
    _ = godotenv.Load() // .env is optional; real env vars win
    cfg := config.Load()

    log, err := logger.New(cfg.Env, cfg.LogLevel)
    if err != nil {
        stdlog.Fatalf("init logger: %v", err)
    }
    defer func() { _ = log.Sync() }()

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
    if err != nil {
        log.Fatal("open database", zap.Error(err))
    }
    defer db.Close()
    if err := database.Migrate(ctx, db); err != nil {
        log.Fatal("migrate schema", zap.Error(err))
    }

    // Redis holds the reservation locks; there is no running without it.
    rdb, err := config.NewRedisClient(config.LoadRedisConfig())
    if err != nil {
        log.Fatal("connect redis", zap.Error(err))
    }
    defer rdb.Close()

    m := metrics.New(prometheus.DefaultRegisterer)
    ledg := ledger.New(repository.NewSlotRepo(db),
        ledger.WithLogger(log.Named("ledger")),
        ledger.WithMetrics(m),
    )
    locks := lock.NewManager(rdb, lock.Options{Prefix: cfg.Lock.Prefix, RetryInterval: cfg.Lock.RetryInterval})
    publisher := service.NewAMQPPublisher(cfg.Queue.URL, cfg.Queue.Name, log.Named("events"))
    defer publisher.Close()

    svc := service.NewReservationService(ledg, repository.NewReservationRepo(db), locks, publisher, m, log.Named("reservations"), service.Options{
        LockLease:    cfg.Lock.Lease,
        LockWait:     cfg.Lock.Wait,
        MaxPartySize: cfg.Booking.MaxPartySize,
        Location:     cfg.Booking.Location,
    })

    e := echo.New()
    e.HideBanner = true
    e.Use(echomw.Recover(), echomw.RequestID(), middleware.RequestLogger(log.Named("http")))

    health := handler.Health(map[string]handler.Pinger{
        "mysql": db,
        "redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
    })
    router.RegisterRoutes(e, health, echo.WrapHandler(promhttp.Handler()))
    router.RegisterAuth(e, handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewTokenRepo(db), log.Named("auth")), cfg.JWTSecret)
    router.RegisterReservations(e,
        handler.NewReservationHandler(svc, cfg.Booking, log.Named("reservations")),
        cfg.JWTSecret,
        middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log.Named("ratelimit")),
        middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log.Named("cache")),
    )

    g, gctx := errgroup.WithContext(ctx)
    addr := ":" + cfg.Port
    g.Go(func() error {
        log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
        if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
            return err
        }
        return nil
    })
    g.Go(func() error {
        <-gctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        return e.Shutdown(sctx)
    })
    if cfg.Queue.ConsumerEnabled {
        g.Go(func() error {
            c := &queue.AuditConsumer{
                URL:     cfg.Queue.URL,
                Queue:   cfg.Queue.Name,
                LogPath: cfg.Queue.AuditLogPath,
                Log:     log.Named("audit"),
            }
            if err := c.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
                return err
            }
            return nil
        })
    }

    if err := g.Wait(); err != nil {
        log.Error("server stopped with error", zap.Error(err))
        return
    }
    log.Info("server stopped")
}
