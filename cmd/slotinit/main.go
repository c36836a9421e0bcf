// Command slotinit creates the schema and seeds hourly exam slots.
//
//	slotinit -mode=init -days=90   slots from the next hour for 90 days
//	slotinit -mode=extend          the 24 slots of the day after the last one
//
// Both modes are idempotent and meant to be run from cron.
package main

import (
    "context"
    "flag"
    stdlog "log"
    "os"
    "time"

    "github.com/joho/godotenv"
    "go.uber.org/zap"

    "github.com/iliyamo/exam-slot-reservation/internal/config"
    "github.com/iliyamo/exam-slot-reservation/internal/database"
    "github.com/iliyamo/exam-slot-reservation/internal/logger"
    "github.com/iliyamo/exam-slot-reservation/internal/repository"
    "github.com/iliyamo/exam-slot-reservation/internal/service"
)

func main() {
    mode := flag.String("mode", "init", "init or extend")
    days := flag.Int("days", 90, "days to generate in init mode")
    flag.Parse()

    _ = godotenv.Load()
    log, err := logger.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
    if err != nil {
        stdlog.Fatalf("init logger: %v", err)
    }
    defer func() { _ = log.Sync() }()

    dbc := config.LoadDatabaseConfig()
    booking := config.LoadBookingConfig()

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
    defer cancel()

    db, err := database.Open(dbc.User, dbc.Pass, dbc.Host, dbc.Port, dbc.Name)
    if err != nil {
        log.Fatal("open database", zap.Error(err))
    }
    defer db.Close()
    if err := database.Migrate(ctx, db); err != nil {
        log.Fatal("migrate schema", zap.Error(err))
    }

    gen := service.NewSlotGenerator(repository.NewSlotRepo(db), booking.Location, booking.DefaultCapacity, log)
    var n int
    switch *mode {
    case "init":
        n, err = gen.Init(ctx, time.Now(), *days)
    case "extend":
        n, err = gen.Extend(ctx, time.Now())
    default:
        log.Fatal("unknown mode", zap.String("mode", *mode))
    }
    if err != nil {
        log.Fatal("generate slots", zap.String("mode", *mode), zap.Error(err))
    }
    log.Info("done", zap.String("mode", *mode), zap.Int("created", n))
}
