package db

import (
	"fmt"
	"io"
	"log"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("migrate: missing action")
	}

	// Open database connection without running schema initialization
	// (migrations will manage the schema)
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		return handleMigrateUp(database, out)

	case "down":
		return handleMigrateDown(database, out)

	case "status":
		return handleMigrateStatus(database, out)

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: fusion migrate force <version_number>")
		}
		return handleMigrateForce(database, args[1])

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

// handleMigrateUp applies all pending migrations
func handleMigrateUp(database *DB, out io.Writer) error {
	log.Printf("Running migrations...")
	if err := database.MigrateUp(); err != nil {
		return err
	}
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ All migrations applied. Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// handleMigrateDown rolls back one migration
func handleMigrateDown(database *DB, out io.Writer) error {
	log.Printf("Rolling back one migration...")
	if err := database.MigrateDown(); err != nil {
		return err
	}
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Migration rolled back. Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// handleMigrateStatus displays the current migration status
func handleMigrateStatus(database *DB, out io.Writer) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigration()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest version: %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", dirty)

	if dirty {
		fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run:")
		fmt.Fprintln(out, "  fusion migrate force <version>")
	} else if version < latest {
		fmt.Fprintf(out, "\n%d migration(s) pending. Run: fusion migrate up\n", latest-version)
	}
	return nil
}

// handleMigrateForce forces the migration version (recovery only)
func handleMigrateForce(database *DB, versionStr string) error {
	forceVersion, err := strconv.Atoi(versionStr)
	if err != nil {
		return fmt.Errorf("invalid version number: %s", versionStr)
	}

	log.Printf("⚠️  Forcing migration version to %d (recovery mode)...", forceVersion)
	return database.MigrateForce(forceVersion)
}

// PrintMigrateHelp prints the migrate subcommand usage.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: fusion migrate <action> [-db path]

Actions:
  up          Apply all pending migrations
  down        Roll back the most recent migration
  status      Show current and latest migration versions
  force <v>   Force the recorded version (recovery from a dirty state)
  help        Show this help
`)
}
