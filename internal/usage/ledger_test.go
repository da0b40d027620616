package usage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/snowcoder/snow/pkg/models"
)

func TestLedgerRoundTrip(t *testing.T) {
	ledger, err := Open(filepath.Join(t.TempDir(), "usage.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ledger.Close()

	ledger.Record(models.Usage{Model: "claude-x", PromptTokens: 100, CompletionTokens: 20, CacheReadTokens: 50})
	ledger.Record(models.Usage{Model: "claude-x", PromptTokens: 40, CompletionTokens: 10})
	ledger.Record(models.Usage{Model: "gpt-y", PromptTokens: 5, CompletionTokens: 5})

	totals, err := ledger.Totals(context.Background())
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("totals = %d models, want 2", len(totals))
	}

	// Heaviest model first.
	first := totals[0]
	if first.Model != "claude-x" {
		t.Errorf("totals[0].Model = %q, want claude-x", first.Model)
	}
	if first.Requests != 2 || first.PromptTokens != 140 || first.CompletionTokens != 30 || first.CacheReadTokens != 50 {
		t.Errorf("claude-x totals = %+v", first)
	}
}

func TestLedgerRecordUnknownModel(t *testing.T) {
	ledger, err := Open(filepath.Join(t.TempDir(), "usage.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ledger.Close()

	ledger.Record(models.Usage{PromptTokens: 1})

	totals, err := ledger.Totals(context.Background())
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if len(totals) != 1 || totals[0].Model != "unknown" {
		t.Errorf("totals = %+v, want single unknown row", totals)
	}
}

func TestLedgerRecordSwallowsWriteErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage").WillReturnResult(sqlmock.NewResult(0, 0))
	ledger, err := NewWithDB(db, nil)
	if err != nil {
		t.Fatalf("NewWithDB() error = %v", err)
	}
	ledger.now = func() time.Time { return time.Unix(0, 0) }

	mock.ExpectExec("INSERT INTO usage").WillReturnError(errors.New("disk full"))

	// Must not panic or propagate; the stream that produced the usage
	// keeps going.
	ledger.Record(models.Usage{Model: "m", PromptTokens: 1})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLedgerTotalsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage").WillReturnResult(sqlmock.NewResult(0, 0))
	ledger, err := NewWithDB(db, nil)
	if err != nil {
		t.Fatalf("NewWithDB() error = %v", err)
	}

	mock.ExpectQuery("SELECT model").WillReturnError(errors.New("corrupt"))

	if _, err := ledger.Totals(context.Background()); err == nil {
		t.Error("Totals() did not surface the query error")
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{-3, "0"},
		{812, "812"},
		{1400, "1.4k"},
		{58_000, "58k"},
		{2_100_000, "2.1m"},
	}
	for _, tt := range tests {
		if got := FormatTokenCount(tt.in); got != tt.want {
			t.Errorf("FormatTokenCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
