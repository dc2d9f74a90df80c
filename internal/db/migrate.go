package db

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	// The following blank imports register the postgres driver and file source for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/diewo77/payment-core/internal/models"
)

func ConnectAndMigrate() (*gorm.DB, error) {
	dsn := GetNormalizedDSN()
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_DSN is empty, check the environment configuration")
	}
	var db *gorm.DB
	var err error
	logLevel := logger.Silent
	if os.Getenv("DB_DEBUG") == "1" {
		logLevel = logger.Info
	}
	// TranslateError lets the ledger classify duplicate-key violations as
	// idempotency conflicts across drivers.
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel), TranslateError: true}
	for i := 0; i < 10; i++ {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err == nil {
			break
		}
		fmt.Println("Retrying DB connection...", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database after retries: %w", err)
	}

	// Basic connectivity test
	if pingErr := db.Exec("SELECT 1").Error; pingErr != nil {
		return nil, fmt.Errorf("db ping failed: %w", pingErr)
	}

	// Always print masked DSN once for diagnostics (before migrations for visibility)
	masked := dsn
	if strings.Contains(masked, "password=") {
		re := regexp.MustCompile(`(password=)([^\s]+)`)
		masked = re.ReplaceAllString(masked, `${1}***`)
	}
	fmt.Println("[DB] Using DSN:", masked)
	// If MIGRATIONS=1 (or true) we run sql migrations via golang-migrate; otherwise keep the AutoMigrate fallback (dev convenience)
	if v := strings.ToLower(os.Getenv("MIGRATIONS")); v == "1" || v == "true" || v == "yes" {
		if err := runSQLMigrations(dsn); err != nil {
			return nil, fmt.Errorf("sql migrations failed: %w", err)
		}
	} else {
		modelsToMigrate := []interface{}{
			&models.Account{}, &models.PaymentMethod{}, &models.Payment{},
			&models.PaymentTransaction{}, &models.PaymentAttempt{}, &models.AuditLog{},
		}
		for _, m := range modelsToMigrate {
			if migErr := db.AutoMigrate(m); migErr != nil {
				return nil, fmt.Errorf("automigrate %T: %w", m, migErr)
			}
		}
		// AutoMigrate cannot express the partial unique index that keeps an
		// active transaction key single-writer; create it explicitly.
		if err := EnsureActiveKeyIndex(db); err != nil {
			return nil, fmt.Errorf("active key index: %w", err)
		}
	}

	// sanity check: ensure required core tables exist
	for _, table := range []string{"payments", "payment_transactions", "accounts"} {
		if !db.Migrator().HasTable(table) {
			return nil, errors.New("missing table after migration: " + table)
		}
	}
	// Seeding only when explicitly requested (e.g. development) via DB_SEED=1|true
	if v := strings.ToLower(os.Getenv("DB_SEED")); v == "1" || v == "true" || v == "yes" {
		seed(db)
	}
	return db, nil
}

// EnsureActiveKeyIndex creates the partial unique index enforcing at-most-one
// active (PENDING/UNKNOWN/SUCCESS) row per (account, transaction key). Both
// sqlite and postgres support this syntax.
func EnsureActiveKeyIndex(db *gorm.DB) error {
	return db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_active_txn_key
		 ON payment_transactions(account_id, external_key)
		 WHERE status IN ('PENDING','UNKNOWN','SUCCESS')`,
	).Error
}

func seed(db *gorm.DB) {
	// A development account with a default payment method on the noop gateway.
	devAccounts := []models.Account{
		{ID: "11111111-1111-1111-1111-111111111111", ExternalKey: "dev-account", Name: "Dev Account", Currency: "USD"},
	}
	for _, a := range devAccounts {
		var existing models.Account
		if err := db.Where("external_key = ?", a.ExternalKey).First(&existing).Error; err == gorm.ErrRecordNotFound {
			db.Create(&a)
		}
	}
	devMethods := []models.PaymentMethod{
		{ID: "22222222-2222-2222-2222-222222222222", AccountID: "11111111-1111-1111-1111-111111111111", ExternalKey: "dev-method", PluginName: "noop", IsDefault: true},
	}
	for _, m := range devMethods {
		var existing models.PaymentMethod
		if err := db.Where("external_key = ?", m.ExternalKey).First(&existing).Error; err == gorm.ErrRecordNotFound {
			db.Create(&m)
		}
	}
}

// runSQLMigrations executes migrations in ./migrations using golang-migrate file source.
func runSQLMigrations(dsn string) error {
	// golang-migrate expects DSN without gorm specific extras; reuse as-is (URL form supported)
	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		return err
	}
	if err = m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
