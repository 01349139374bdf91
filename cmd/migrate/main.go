package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/database"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
)

const usage = `Usage: migrate <command> [arg]

Commands:
  up         apply all pending migrations
  down [N]   roll back the last N migrations (default 1)
  goto V     migrate up or down to version V
  force V    mark version V as clean after a failed migration
  status     show applied and pending plan store migrations
`

// migrateLogger routes golang-migrate output through the fiber logger.
type migrateLogger struct{ verbose bool }

func (l migrateLogger) Printf(format string, v ...interface{}) {
	log.Infof("[Migrate] "+strings.TrimRight(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return l.verbose }

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(2)
	}

	dir := env.GetEnv("MIGRATIONS_DIR", "migrations")
	log.Infof("[Migrate] %s@%s:%s/%s from %s",
		env.GetEnv("DB_USER", ""), env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"), env.GetEnv("DB_NAME", ""), dir)

	m, err := migrate.New("file://"+dir, "mysql://"+database.DSN()+"&multiStatements=true")
	if err != nil {
		log.Fatalf("[Migrate] %v", err)
	}
	m.Log = migrateLogger{verbose: env.GetEnv("MIGRATE_VERBOSE", "") == "true"}

	err = run(m, dir, os.Args[1:])
	if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
		log.Warnf("[Migrate] Close: source=%v db=%v", sourceErr, dbErr)
	}
	if err != nil {
		log.Fatalf("[Migrate] %s: %v", os.Args[1], err)
	}
}

func run(m *migrate.Migrate, dir string, args []string) error {
	switch args[0] {
	case "up":
		return report(m, m.Up())
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		return report(m, m.Steps(-steps))
	case "goto", "force":
		if len(args) < 2 {
			return errors.New("missing version")
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if args[0] == "force" {
			return report(m, m.Force(int(v)))
		}
		return report(m, m.Migrate(uint(v)))
	case "status":
		return status(m, dir)
	}
	fmt.Print(usage)
	return fmt.Errorf("unknown command %q", args[0])
}

// report logs the version reached after a change.
func report(m *migrate.Migrate, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("[Migrate] Plan store schema already current")
		err = nil
	}
	if err != nil {
		return err
	}
	version, dirty, verr := m.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		log.Info("[Migrate] Schema is empty")
	case verr != nil:
		return verr
	default:
		log.Infof("[Migrate] Schema at version %d (dirty=%t)", version, dirty)
	}
	return nil
}

type migrationRow struct {
	Version uint
	State   string
	Name    string
}

// listMigrations reads the up files in dir and marks each one against the
// schema version.
func listMigrations(dir string, current uint, dirty bool) ([]migrationRow, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var rows []migrationRow
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".up.sql")
		num, title, ok := strings.Cut(name, "_")
		v, perr := strconv.ParseUint(num, 10, 32)
		if !ok || perr != nil {
			continue
		}
		row := migrationRow{Version: uint(v), State: "pending", Name: title}
		switch {
		case row.Version == current && dirty:
			row.State = "dirty"
		case row.Version <= current:
			row.State = "applied"
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func status(m *migrate.Migrate, dir string) error {
	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	rows, err := listMigrations(dir, current, dirty)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s %-8s %s\n", "VERSION", "STATE", "MIGRATION")
	for _, r := range rows {
		fmt.Printf("%-8d %-8s %s\n", r.Version, r.State, r.Name)
	}
	if dirty {
		log.Warnf("[Migrate] Version %d is dirty; fix the schema and run `force %d`", current, current)
	}
	return nil
}
