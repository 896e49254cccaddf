// Command migrate applies the *.sql files in migrations/ to the database
// named by provider.database_url (or PROVIDER_DATABASE_URL). Applied
// versions are tracked in schema_migrations, using the golang-migrate
// layout (bigint version plus dirty flag).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/guidegenie/guidegenie/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), *dir, logger); err != nil {
		logger.Error("migrate failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, dir string, logger *zap.Logger) error {
	v := config.New()
	_ = v.ReadInConfig()
	dbURL := v.GetString("provider.database_url")

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := upFiles(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		ver, err := versionFromFile(f)
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", f, err)
		}

		var dirty bool
		err = db.QueryRow(ctx, `SELECT dirty FROM schema_migrations WHERE version = $1`, ver).Scan(&dirty)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check %s: %w", f, err)
		case dirty:
			return fmt.Errorf("version %d is dirty; fix the database by hand and clear the flag", ver)
		default:
			logger.Debug("skip", zap.String("file", f))
			continue
		}

		sql, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		if err := apply(ctx, db, ver, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
		logger.Info("applied", zap.String("file", f), zap.Int64("version", ver))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}

// apply runs one migration and records its version in a single
// transaction, so a failure leaves neither behind.
func apply(ctx context.Context, db *pgxpool.Pool, ver int64, sql string) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)`, ver)
		return err
	})
}

func upFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// versionFromFile extracts the leading integer: "001_init.up.sql" is 1.
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("expected <version>_<name>.up.sql")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
