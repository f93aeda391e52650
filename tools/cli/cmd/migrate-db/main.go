package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"perimeter/pkg/config"
	"perimeter/pkg/database"
	"perimeter/pkg/structlog"
)

type cliConfig struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	DatabaseName    string        `env:"DB_NAME"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

type command struct {
	name string
	arg  int
}

const usage = "Usage: migrate-db [up|down|status|steps <n>|force <version>]"

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: "up"}, nil
	}
	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "down", "status":
		return cmd, nil
	case "steps", "force":
		if len(args) < 2 {
			return cmd, fmt.Errorf("%s requires a number", cmd.name)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return cmd, fmt.Errorf("%s: invalid number %q", cmd.name, args[1])
		}
		cmd.arg = n
		return cmd, nil
	default:
		return cmd, fmt.Errorf("unknown command: %s", cmd.name)
	}
}

func main() {
	var cfg cliConfig
	cfgErr := config.Load(&cfg)
	logger := structlog.NewLogger("migrate-db", structlog.ParseLevel(cfg.LogLevel), os.Stderr)

	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, usage)
		logger.Fatal("invalid arguments", structlog.Fields{"error": err})
	}
	if cfgErr != nil {
		logger.Fatal("invalid configuration", structlog.Fields{"error": cfgErr})
	}

	ctx := context.Background()
	pool, err := database.Open(ctx, database.PoolConfig{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", structlog.Fields{"error": err})
	}

	// Close on the manager also closes the pool.
	mm, err := database.NewMigrationManager(pool.DB(), cfg.DatabaseName)
	if err != nil {
		pool.Close()
		logger.Fatal("failed to create migration manager", structlog.Fields{"error": err})
	}
	defer mm.Close()

	if err := run(mm, cmd, logger); err != nil {
		mm.Close()
		logger.Fatal("migration failed", structlog.Fields{"command": cmd.name, "error": err})
	}
}

// migrator is the subset of MigrationManager the commands need.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (uint, bool, error)
}

func run(m migrator, cmd command, logger *structlog.Logger) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	logger.Info("current schema version", structlog.Fields{"version": version, "dirty": dirty})

	switch cmd.name {
	case "status":
		return nil
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		err = m.Steps(cmd.arg)
	case "force":
		err = m.Force(cmd.arg)
	default:
		err = errors.New("unknown command: " + cmd.name)
	}
	if err != nil {
		return err
	}

	version, dirty, err = m.Version()
	if err != nil {
		return err
	}
	logger.Info("migrations complete", structlog.Fields{"command": cmd.name, "version": version, "dirty": dirty})
	return nil
}
