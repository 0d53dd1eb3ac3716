package benchmarks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/sqlstore"
)

var benchPayload = []byte(`{"invoice_id":"inv-1","customer_phone":"966500000001","amount":150.5,"currency":"SAR"}`)

func createSQLiteStore(b *testing.B) *sqlstore.Store {
	b.Helper()
	store, err := sqlstore.NewSQLite(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

func benchmarkLogEvent(b *testing.B, store eventlog.Store) {
	log := eventlog.NewLog(store)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := log.LogEvent(ctx, "invoice.created", benchPayload, eventlog.StatusPending); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryStore_LogEvent inserts into the in-memory store.
func BenchmarkMemoryStore_LogEvent(b *testing.B) {
	benchmarkLogEvent(b, eventlog.NewMemoryStore())
}

// BenchmarkSQLiteStore_LogEvent inserts into SQLite.
func BenchmarkSQLiteStore_LogEvent(b *testing.B) {
	benchmarkLogEvent(b, createSQLiteStore(b))
}

func benchmarkFailedEvents(b *testing.B, store eventlog.Store) {
	log := eventlog.NewLog(store)
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		status := eventlog.StatusSuccess
		if i%10 == 0 {
			status = eventlog.StatusFailed
		}
		if _, err := log.LogEvent(ctx, "invoice.created", benchPayload, status); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := log.FailedEvents(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryStore_FailedEvents scans 500 records for retry candidates.
func BenchmarkMemoryStore_FailedEvents(b *testing.B) {
	benchmarkFailedEvents(b, eventlog.NewMemoryStore())
}

// BenchmarkSQLiteStore_FailedEvents runs the same scan in SQLite.
func BenchmarkSQLiteStore_FailedEvents(b *testing.B) {
	benchmarkFailedEvents(b, createSQLiteStore(b))
}
