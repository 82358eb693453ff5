package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/atmx/updown-engine/internal/config"
	"github.com/atmx/updown-engine/internal/database"
	"github.com/atmx/updown-engine/internal/logging"
)

func usage() {
	fmt.Println("Usage: migrate <up|down N|status>")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down N  - roll back the last N migrations")
	fmt.Println("  status  - print the applied schema version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  UPDOWN_DATABASE_URL - Postgres connection string (required)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New("migrate", cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("UPDOWN_DATABASE_URL is required")
	}

	switch os.Args[1] {
	case "up":
		applied, err := database.MigrateUp(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		if !applied {
			log.Info().Msg("schema already up to date")
			return
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		steps, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal().Err(err).Str("steps", os.Args[2]).Msg("invalid step count")
		}
		if err := database.MigrateDown(cfg.DatabaseURL, steps); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Int("steps", steps).Msg("migrations rolled back")

	case "status":
		st, err := database.Status(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		if st.None {
			log.Info().Msg("no migrations applied")
			return
		}
		log.Info().Uint("version", st.Version).Bool("dirty", st.Dirty).Msg("schema version")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down N' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
