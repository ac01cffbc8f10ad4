package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/custodix/remitter/internal/store/schema"
)

// setupPG connects to an external database when TEST_DB_HOST is set, falling
// back to a throwaway postgres container. Skips when neither is available.
func setupPG(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	var dsn string
	if host := os.Getenv("TEST_DB_HOST"); host != "" {
		port := os.Getenv("TEST_DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("TEST_DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("TEST_DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("TEST_DB_NAME")
		if dbname == "" {
			dbname = "test_db"
		}
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	} else {
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() {
			_ = container.Terminate(context.Background())
		})
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

// truncateAll resets every table between subtests
func truncateAll(t *testing.T, db *gorm.DB) {
	t.Helper()
	for _, model := range []interface{}{
		&schema.LedgerEntry{},
		&schema.RPTToken{},
		&schema.RPTNonce{},
		&schema.SigningKey{},
		&schema.Settlement{},
		&schema.BankLine{},
		&schema.IdempotencyKey{},
		&schema.CachedResponse{},
		&schema.AuditLog{},
		&schema.Destination{},
		&schema.KeyValueStore{},
		&schema.Period{},
	} {
		require.NoError(t, db.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(model).Error)
	}
}

func TestPGStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres store suite in short mode")
	}
	db := setupPG(t)

	runStoreSuite(t, func(t *testing.T) Store {
		truncateAll(t, db)
		return NewPGStore(db)
	})
}
