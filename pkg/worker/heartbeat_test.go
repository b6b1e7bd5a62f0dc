package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/pkg/queue"
)

func TestHeartbeatStopIsCooperative(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer rawDB.Close()
	db := sqlx.NewDb(rawDB, "sqlmock")
	q := queue.NewQueue(db, nil)

	hb := NewHeartbeat(q, "job-1", "worker-1", 300, time.Hour, 3, nil)
	hb.Start(context.Background())
	hb.Stop()

	if hb.ShouldAbort() {
		t.Fatal("expected ShouldAbort false on a clean stop with no renewals")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected sql interactions: %v", err)
	}
}

func TestHeartbeatAbortsAfterMaxFailures(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer rawDB.Close()
	db := sqlx.NewDb(rawDB, "sqlmock")
	q := queue.NewQueue(db, nil)

	for i := 0; i < 2; i++ {
		mock.ExpectExec(`UPDATE sync_jobs SET locked_at = now\(\), updated_at = now\(\)`).
			WillReturnError(errors.New("connection reset"))
	}

	hb := NewHeartbeat(q, "job-1", "worker-1", 300, 10*time.Millisecond, 2, nil)
	hb.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for !hb.ShouldAbort() {
		select {
		case <-deadline:
			t.Fatal("heartbeat never aborted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	hb.Stop()
}
