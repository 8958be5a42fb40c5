package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func main() {
	upCmd := flag.Bool("up", false, "run all up migrations")
	downCmd := flag.Bool("down", false, "rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "run +/- steps")
	flag.Parse()

	log := logrus.NewEntry(logrus.New())

	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbname := os.Getenv("DB_NAME")
	sslmode := envOr("DB_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.WithError(err).Fatal("failed to create migrate driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize migrate")
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Info("running up migrations")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.WithError(err).Fatal("migration up failed")
		}
		log.Info("migration up completed")
	case *downCmd:
		log.Info("running down migrations")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.WithError(err).Fatal("migration down failed")
		}
		log.Info("migration down completed")
	case *stepsCmd != 0:
		log.WithField("steps", *stepsCmd).Info("running steps")
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.WithError(err).Fatal("migration steps failed")
		}
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Info("no version found (empty database?)")
		} else {
			log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("current migration version")
		}
	}
	log.WithField("duration", time.Since(start)).Info("migrator finished")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
