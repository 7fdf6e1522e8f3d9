package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/config"
	"github.com/trial-visit-engine/internal/database"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [up|down|version]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		os.Exit(2)
	}

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	runner, err := database.NewMigrationRunner(
		configManager.GetDatabaseURL(),
		cfg.Database.MigrationsPath,
		logger,
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migration runner")
	}
	defer runner.Close()

	switch command {
	case "up":
		if err := runner.Up(); err != nil {
			logger.WithError(err).Fatal("Migration up failed")
		}
	case "down":
		if err := runner.Down(); err != nil {
			logger.WithError(err).Fatal("Migration down failed")
		}
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			logger.WithError(err).Fatal("Could not read migration version")
		}
		logger.WithFields(logrus.Fields{
			"version": version,
			"dirty":   dirty,
		}).Info("Current migration version")
	default:
		flag.Usage()
		os.Exit(2)
	}
}
