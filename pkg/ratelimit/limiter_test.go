package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestLocalFastPathBudgetAndWindow(t *testing.T) {
	fp := NewLocalFastPath(2, 50*time.Millisecond)
	ctx := context.Background()

	if !fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected first call to be allowed")
	}
	if !fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected second call to be allowed")
	}
	if fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected third call within the budget window to be refused")
	}

	time.Sleep(60 * time.Millisecond)
	if !fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected call after window reset to be allowed")
	}
}

func TestLocalFastPathNotify429Pauses(t *testing.T) {
	fp := NewLocalFastPath(10, time.Second)
	ctx := context.Background()

	if !fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected initial call to be allowed")
	}
	fp.Notify429(ctx, "gitlab:host", 50*time.Millisecond)
	if fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected call during cooldown to be refused")
	}
	time.Sleep(60 * time.Millisecond)
	if !fp.Allow(ctx, "gitlab:host") {
		t.Fatal("expected call after cooldown to be allowed again")
	}
}

func TestLocalFastPathIsolatesByInstanceKey(t *testing.T) {
	fp := NewLocalFastPath(1, time.Second)
	ctx := context.Background()

	if !fp.Allow(ctx, "gitlab:a") {
		t.Fatal("expected first call for instance a to be allowed")
	}
	if !fp.Allow(ctx, "gitlab:b") {
		t.Fatal("expected first call for distinct instance b to be allowed independently")
	}
	if fp.Allow(ctx, "gitlab:a") {
		t.Fatal("expected second call for instance a to be refused")
	}
}

func TestLimiterShortCircuitsOnFastPathRefusal(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer rawDB.Close()
	mockDB := sqlx.NewDb(rawDB, "sqlmock")

	fp := NewLocalFastPath(0, time.Second)
	limiter := NewLimiter(fp, NewBucket(mockDB), 1, 10)

	res, err := limiter.Acquire(context.Background(), "gitlab:host", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected Acquire to be refused without touching the DB bucket")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no DB interaction when fast path refuses: %v", err)
	}
}

func TestLimiterFallsThroughToBucketWhenFastPathAllows(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer rawDB.Close()
	mockDB := sqlx.NewDb(rawDB, "sqlmock")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT instance_key, tokens, rate, burst, updated_at, paused_until FROM sync_rate_limits WHERE instance_key = \$1 FOR UPDATE`).
		WithArgs("gitlab:host").
		WillReturnRows(sqlmock.NewRows(bucketCols).
			AddRow("gitlab:host", 10.0, 1.0, 10.0, time.Now(), nil))
	mock.ExpectExec(`UPDATE sync_rate_limits SET tokens = \$1, paused_until = NULL, updated_at = now\(\)`).
		WithArgs(9.0, "gitlab:host").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fp := NewLocalFastPath(10, time.Second)
	limiter := NewLimiter(fp, NewBucket(mockDB), 1, 10)

	res, err := limiter.Acquire(context.Background(), "gitlab:host", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected Acquire to be allowed by the DB bucket")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
