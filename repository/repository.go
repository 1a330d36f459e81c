// Package repository is the local read-side store: a Postgres mirror of
// ledger state used for fast reads and as the verification fallback when
// the ledger cannot be reached.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pharmatrace/pharmatrace/batch"
	"github.com/pharmatrace/pharmatrace/repository/models"
	"github.com/pharmatrace/pharmatrace/verify"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback

	// Class 57 — Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
	PgErrCrashShutdown = "57P02" // crash_shutdown
)

// RepositoryError represents an error in the repository layer
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger}
}

// ConnectDB opens the Postgres connection, retrying while the database
// container comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		db, err := gorm.Open(postgres.Open(dsn))
		if err != nil {
			lastErr = err
			r.logger.Info("Postgres connection attempt failed", "attempt", i+1, "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		r.logger.Info("Connected to Postgres")
		return nil
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Organization{},
		&models.BatchRecord{},
		&models.BatchEvent{},
		&models.LedgerTx{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	r.logger.Info("Database migration completed")
	return nil
}

// Seed registers the demo organization directory. Idempotent: it skips when
// organizations already exist.
func (r *Repository) Seed() {
	var orgCount int64
	r.db.Model(&models.Organization{}).Count(&orgCount)
	if orgCount > 0 {
		r.logger.Info("Seed data already exists, skipping")
		return
	}

	organizations := []models.Organization{
		{ID: "MFG-001", Name: "Kalbe Pharma Labs", Role: string(batch.RoleManufacturer), Location: "Jakarta"},
		{ID: "MFG-002", Name: "Dexa Biotech", Role: string(batch.RoleManufacturer), Location: "Tangerang"},
		{ID: "REG-001", Name: "National Drug Authority", Role: string(batch.RoleRegulator), Location: "Jakarta"},
		{ID: "DST-001", Name: "Archipelago Pharma Distribution", Role: string(batch.RoleDistributor), Location: "Surabaya"},
		{ID: "DST-002", Name: "Medika Nusantara", Role: string(batch.RoleDistributor), Location: "Bandung"},
		{ID: "LOG-001", Name: "ColdChain Express", Role: string(batch.RoleLogistics), Location: "Jakarta"},
		{ID: "PHM-001", Name: "Sehat Selalu Pharmacy", Role: string(batch.RolePharmacy), Location: "Yogyakarta"},
		{ID: "PHM-002", Name: "Apotek Merdeka", Role: string(batch.RolePharmacy), Location: "Semarang"},
	}

	for _, org := range organizations {
		if err := r.db.Create(&org).Error; err != nil {
			r.logger.Error("Error seeding organization", "org", org.ID, "err", err)
		}
	}
	r.logger.Info("Database seeding completed", "organizations", len(organizations))
}

func (r *Repository) wrapDBError(err error) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    "DATABASE_ERROR",
		Message: "A database error occurred",
		Detail:  err.Error(),
	}
}

// UpsertBatchFromLedger writes the mirrored row for a batch. Ledger values
// win unconditionally: the mirror never merges local edits, it only follows.
func (r *Repository) UpsertBatchFromLedger(core *batch.Core, state *batch.State, height int64) *RepositoryError {
	record := models.BatchRecord{
		LedgerID:      core.ID,
		Code:          core.Code,
		ProductName:   core.ProductName,
		Creator:       core.Creator,
		Quantity:      core.Quantity,
		ManufactureTS: core.ManufactureTS,
		ExpiryTS:      core.ExpiryTS,
		ContentHash:   core.ContentHash,
		Status:        uint8(state.Status),
		Holder:        state.Holder,
		Location:      state.Location,
		Recalled:      state.Recalled,
		ApprovedAt:    state.ApprovedAt,
		ApprovalHash:  state.ApprovalHash,
		LastHeight:    height,
	}

	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ledger_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return r.wrapDBError(err)
	}
	return nil
}

// ReplaceHistory swaps a batch's mirrored event run for the ledger's current
// history. Full replacement keeps the mirror consistent even when events
// were missed while this node was down.
func (r *Repository) ReplaceHistory(ledgerID uint64, events []batch.HistoryEvent) *RepositoryError {
	dbTx := r.db.Begin()
	if dbTx.Error != nil {
		return r.wrapDBError(dbTx.Error)
	}

	err := dbTx.Where("batch_ledger_id = ?", ledgerID).Delete(&models.BatchEvent{}).Error
	if err != nil {
		dbTx.Rollback()
		return r.wrapDBError(err)
	}

	for i, ev := range events {
		row := models.BatchEvent{
			BatchLedgerID: ledgerID,
			Seq:           i,
			Timestamp:     ev.Timestamp,
			Location:      ev.Location,
			Status:        uint8(ev.Status),
			Actor:         ev.Actor,
			Role:          string(ev.Role),
			Note:          ev.Note,
		}
		if err := dbTx.Create(&row).Error; err != nil {
			dbTx.Rollback()
			return r.wrapDBError(err)
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return r.wrapDBError(err)
	}
	return nil
}

// RecordLedgerTx stores an observed committed transaction. Duplicate hashes
// are ignored so replayed subscription events stay idempotent.
func (r *Repository) RecordLedgerTx(tx *models.LedgerTx) *RepositoryError {
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(tx).Error
	if err != nil {
		return r.wrapDBError(err)
	}
	return nil
}

// SnapshotByCode implements verify.SnapshotCache over the mirrored rows.
// Absence is (nil, nil), not an error.
func (r *Repository) SnapshotByCode(ctx context.Context, code string) (*verify.Snapshot, error) {
	var record models.BatchRecord
	err := r.db.WithContext(ctx).Where("batch_code = ?", code).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &verify.Snapshot{
		Code:          record.Code,
		ProductName:   record.ProductName,
		Creator:       record.Creator,
		Quantity:      record.Quantity,
		ManufactureTS: record.ManufactureTS,
		ExpiryTS:      record.ExpiryTS,
		Status:        batch.Status(record.Status),
		Recalled:      record.Recalled,
		ContentHash:   record.ContentHash,
	}, nil
}

// BatchByCode loads one mirrored batch with its history, ordered by event
// sequence.
func (r *Repository) BatchByCode(code string) (*models.BatchRecord, *RepositoryError) {
	var record models.BatchRecord
	err := r.db.Preload("Events", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	}).Where("batch_code = ?", code).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "ENTITY_NOT_FOUND",
				Message: "Batch does not exist",
				Detail:  fmt.Sprintf("Batch with code %s is not in the local mirror", code),
			}
		}
		return nil, r.wrapDBError(err)
	}
	return &record, nil
}

// Organizations lists the registered participant directory.
func (r *Repository) Organizations() ([]models.Organization, *RepositoryError) {
	var orgs []models.Organization
	if err := r.db.Order("org_id ASC").Find(&orgs).Error; err != nil {
		return nil, r.wrapDBError(err)
	}
	return orgs, nil
}

// OrganizationByID resolves one participant.
func (r *Repository) OrganizationByID(id string) (*models.Organization, *RepositoryError) {
	var org models.Organization
	err := r.db.Where("org_id = ?", id).First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "ENTITY_NOT_FOUND",
				Message: "Organization does not exist",
				Detail:  fmt.Sprintf("Organization with id %s does not exist", id),
			}
		}
		return nil, r.wrapDBError(err)
	}
	return &org, nil
}
