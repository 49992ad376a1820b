package main

import (
	"database/sql"
	"errors"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("config load error")
	}
	log := logger.New(cfg.LogLevel).WithComponent("migrate")
	if cfg.Store != config.StorePostgres {
		log.WithField("store", cfg.Store).Fatal("migrations only apply to the postgres store")
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("ping db")
	}

	m, err := migrations.New(db)
	if err != nil {
		log.WithError(err).Fatal("create migrator")
	}
	defer func() { _, _ = m.Close() }()

	// migrate force <version> | migrate down
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "force":
			if len(os.Args) < 3 {
				log.Fatal("usage: migrate force <version>")
			}
			version, err := strconv.Atoi(os.Args[2])
			if err != nil {
				log.WithError(err).Fatal("invalid version")
			}
			if err := m.Force(version); err != nil {
				log.WithError(err).Fatal("force version")
			}
			log.WithField("version", version).Info("forced version")
			return
		case "down":
			if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				log.WithError(err).Fatal("migrate down")
			}
			log.Info("migrations rolled back")
			return
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.WithError(err).Fatal("migrate up")
	}

	log.Info("migrations complete")
}
