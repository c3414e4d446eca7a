package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	rec, err := j.Record(ctx, OrderRecord{
		Action: ActionPlace, Environment: "sandbox", Symbol: "BTCUSDT", Side: "Buy", Type: "Limit",
		Qty: "0.01", Price: "45000", OrderID: "o-1", OrderLinkID: "l-1", Status: StatusAccepted,
		CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("record id not assigned")
	}
	if _, err := j.Record(ctx, OrderRecord{
		Action: ActionCancel, Symbol: "ETHUSDT", OrderID: "o-2", Status: StatusRejected,
		ErrorKind: "exchange", Error: "order not exists", CreatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := j.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 2 || all[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].ErrorKind != "exchange" || all[0].Status != StatusRejected {
		t.Fatalf("error fields not persisted: %+v", all[0])
	}

	btc, err := j.Recent(ctx, "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("recent by symbol: %v", err)
	}
	if len(btc) != 1 || btc[0].Price != "45000" || btc[0].OrderLinkID != "l-1" {
		t.Fatalf("unexpected record %+v", btc)
	}
	if !btc[0].CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v", btc[0].CreatedAt)
	}

	n, err := j.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestJournalReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := j.Record(context.Background(), OrderRecord{Action: ActionPlace, Symbol: "SOLUSDT", Status: StatusAccepted}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = j.Close()

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	n, err := j2.Count(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("count after reopen = %d, %v", n, err)
	}
}

func TestJournalRecentDefaultLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if _, err := j.Record(ctx, OrderRecord{Action: ActionPlace, Symbol: "BTCUSDT", Status: StatusAccepted}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	got, err := j.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("default limit should be 50, got %d", len(got))
	}
}
