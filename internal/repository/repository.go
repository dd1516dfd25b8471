// Package repository persists model bundles in SQLite or PostgreSQL.
package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// SQLRepository implements domain.ArtifactRepository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// Open opens and pools a database connection for the configured driver.
// The graph datastore reuses it for its SQL backends.
func Open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// New creates a new artifact repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Checksum returns the hex sha256 of an artifact payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// SaveBundle stores a bundle and all of its artifacts, then marks it active.
// Either everything is written or nothing is; the previously active bundle
// stays active on any failure.
func (r *SQLRepository) SaveBundle(ctx context.Context, info *domain.BundleInfo, artifacts []domain.Artifact) error {
	if info == nil || info.Version == "" {
		return fmt.Errorf("%w: bundle version is required", domain.ErrInvalidInput)
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("%w: bundle %s has no artifacts", domain.ErrInvalidInput, info.Version)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO bundles (
			version, created_at, accounts, edges, features, illicit_labels,
			classifier_input, anomaly_input, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`),
		info.Version, info.CreatedAt.UTC(), info.Accounts, info.Edges, info.Features,
		info.IllicitLabels, info.ClassifierInput, info.AnomalyInput,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bundle %s: %w", info.Version, err)
	}

	insert := r.rebind(`INSERT INTO artifacts (version, kind, payload, checksum) VALUES (?, ?, ?, ?)`)
	for _, a := range artifacts {
		checksum := a.Checksum
		if checksum == "" {
			checksum = Checksum(a.Payload)
		}
		if _, err := tx.ExecContext(ctx, insert, info.Version, a.Kind, string(a.Payload), checksum); err != nil {
			return fmt.Errorf("failed to insert artifact %s/%s: %w", info.Version, a.Kind, err)
		}
	}

	if err := r.activate(ctx, tx, info.Version); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bundle %s: %w", info.Version, err)
	}
	info.Active = true
	return nil
}

// Activate marks an already stored bundle active.
func (r *SQLRepository) Activate(ctx context.Context, version string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.activate(ctx, tx, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) activate(ctx context.Context, tx *sql.Tx, version string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("failed to clear active bundle: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.rebind(`UPDATE bundles SET active = 1 WHERE version = ?`), version)
	if err != nil {
		return fmt.Errorf("failed to activate bundle %s: %w", version, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("bundle %s: %w", version, domain.ErrNotFound)
	}
	return nil
}

// ActiveVersion returns the version currently marked active.
func (r *SQLRepository) ActiveVersion(ctx context.Context) (string, error) {
	var version string
	err := r.db.QueryRowContext(ctx, `SELECT version FROM bundles WHERE active = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no active bundle: %w", domain.ErrArtifactMissing)
	}
	if err != nil {
		return "", err
	}
	return version, nil
}

// LoadArtifacts returns a bundle's info and every artifact keyed by kind.
// A checksum mismatch is reported as ErrArtifactMissing.
func (r *SQLRepository) LoadArtifacts(ctx context.Context, version string) (*domain.BundleInfo, map[string]domain.Artifact, error) {
	info, err := r.getBundle(ctx, version)
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT kind, payload, checksum FROM artifacts WHERE version = ?`), version)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	artifacts := make(map[string]domain.Artifact)
	for rows.Next() {
		var kind, payload, checksum string
		if err := rows.Scan(&kind, &payload, &checksum); err != nil {
			return nil, nil, err
		}
		a := domain.Artifact{Kind: kind, Payload: []byte(payload), Checksum: checksum}
		if Checksum(a.Payload) != checksum {
			return nil, nil, fmt.Errorf("artifact %s/%s checksum mismatch: %w", version, kind, domain.ErrArtifactMissing)
		}
		artifacts[kind] = a
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return info, artifacts, nil
}

func (r *SQLRepository) getBundle(ctx context.Context, version string) (*domain.BundleInfo, error) {
	query := `
		SELECT version, created_at, accounts, edges, features, illicit_labels,
			   classifier_input, anomaly_input, active
		FROM bundles
		WHERE version = ?
	`
	info, err := scanBundle(r.db.QueryRowContext(ctx, r.rebind(query), version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", version, domain.ErrArtifactMissing)
	}
	return info, err
}

// ListBundles returns the most recent bundles, newest first.
func (r *SQLRepository) ListBundles(ctx context.Context, limit int) ([]*domain.BundleInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT version, created_at, accounts, edges, features, illicit_labels,
			   classifier_input, anomaly_input, active
		FROM bundles
		ORDER BY created_at DESC, version DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []*domain.BundleInfo
	for rows.Next() {
		info, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, info)
	}
	return bundles, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBundle(s scanner) (*domain.BundleInfo, error) {
	var info domain.BundleInfo
	var active int
	err := s.Scan(
		&info.Version, &info.CreatedAt, &info.Accounts, &info.Edges, &info.Features,
		&info.IllicitLabels, &info.ClassifierInput, &info.AnomalyInput, &active,
	)
	if err != nil {
		return nil, err
	}
	info.Active = active == 1
	return &info, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) rebind(query string) string {
	return Rebind(r.driver, query)
}

// Rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
