package csvsink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendRunningTrade_WritesHeaderOnceAndRowsInOrder(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	rows := []RunningTradeRow{
		{ID: "1", Date: "2025-11-03", Price: "9000"},
		{ID: "2", Date: "2025-11-03", Price: "9050"},
		{ID: "3", Date: "2025-11-03", Price: "9025"},
	}
	for _, row := range rows {
		if err := sink.AppendRunningTrade("BBRI", "2025-11-03", row); err != nil {
			t.Fatalf("AppendRunningTrade: %v", err)
		}
	}

	path := sink.Path(RunningTrade, "BBRI", "2025-11-03")
	if filepath.Base(path) != "2025-11-03_BBRI.csv" {
		t.Errorf("Path = %q, want 2025-11-03_BBRI.csv basename", path)
	}

	records := readCSV(t, path)
	if len(records) != 4 { // header + 3 rows
		t.Fatalf("got %d records, want 4 (header + 3 rows)", len(records))
	}
	if records[0][0] != "id" {
		t.Errorf("header row = %v, want to start with id", records[0])
	}
	for i, row := range rows {
		if records[i+1][0] != row.ID {
			t.Errorf("row %d id = %q, want %q (order must be preserved)", i, records[i+1][0], row.ID)
		}
	}
}

func TestAppendOrderbookLevel_RotatesAtUTCMidnight(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	beforeMidnight := time.Date(2025, 11, 3, 23, 59, 59, 0, time.UTC)
	afterMidnight := time.Date(2025, 11, 4, 0, 0, 1, 0, time.UTC)

	if err := sink.AppendOrderbookLevel("BBCA", beforeMidnight, OrderbookRow{Price: "9000", Side: "BID"}); err != nil {
		t.Fatalf("append before midnight: %v", err)
	}
	if err := sink.AppendOrderbookLevel("BBCA", afterMidnight, OrderbookRow{Price: "9100", Side: "BID"}); err != nil {
		t.Fatalf("append after midnight: %v", err)
	}

	dayOne := readCSV(t, sink.Path(Orderbook, "BBCA", "2025-11-03"))
	dayTwo := readCSV(t, sink.Path(Orderbook, "BBCA", "2025-11-04"))

	if len(dayOne) != 2 {
		t.Fatalf("day one got %d records, want 2 (header + 1 row)", len(dayOne))
	}
	if len(dayTwo) != 2 {
		t.Fatalf("day two got %d records, want 2 (header + 1 row)", len(dayTwo))
	}
	if dayOne[1][1] != "9000" {
		t.Errorf("day one price = %q, want 9000", dayOne[1][1])
	}
	if dayTwo[1][1] != "9100" {
		t.Errorf("day two price = %q, want 9100", dayTwo[1][1])
	}
}

func TestAppend_ConcurrentSameKeySerializes(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row := RunningTradeRow{ID: "x", Date: "2025-11-03"}
			if err := sink.AppendRunningTrade("BBRI", "2025-11-03", row); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	records := readCSV(t, sink.Path(RunningTrade, "BBRI", "2025-11-03"))
	if len(records) != n+1 {
		t.Fatalf("got %d records, want %d (header + %d rows, no interleaving/loss)", len(records), n+1, n)
	}
}

func TestAppend_DifferentKeysIndependent(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	if err := sink.AppendRunningTrade("BBRI", "2025-11-03", RunningTradeRow{ID: "1"}); err != nil {
		t.Fatalf("append BBRI: %v", err)
	}
	if err := sink.AppendRunningTrade("BBCA", "2025-11-03", RunningTradeRow{ID: "1"}); err != nil {
		t.Fatalf("append BBCA: %v", err)
	}

	if _, err := os.Stat(sink.Path(RunningTrade, "BBRI", "2025-11-03")); err != nil {
		t.Errorf("BBRI file missing: %v", err)
	}
	if _, err := os.Stat(sink.Path(RunningTrade, "BBCA", "2025-11-03")); err != nil {
		t.Errorf("BBCA file missing: %v", err)
	}
}

func TestList_EnumeratesWrittenFiles(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	if err := sink.AppendRunningTrade("BBRI", "2025-11-03", RunningTradeRow{ID: "1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.AppendOrderbookLevel("BBCA", time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC), OrderbookRow{Price: "1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	files, err := sink.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}

	byDataset := map[Dataset]ListFile{}
	for _, f := range files {
		byDataset[f.Dataset] = f
	}
	if got, ok := byDataset[RunningTrade]; !ok || got.Ticker != "BBRI" || got.Date != "2025-11-03" {
		t.Errorf("running_trade entry = %+v", got)
	}
	if got, ok := byDataset[Orderbook]; !ok || got.Ticker != "BBCA" || got.Date != "2025-11-03" {
		t.Errorf("orderbook entry = %+v", got)
	}
}

func TestCloseAll_FlushesOpenHandles(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	if err := sink.AppendRunningTrade("BBRI", "2025-11-03", RunningTradeRow{ID: "1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	records := readCSV(t, sink.Path(RunningTrade, "BBRI", "2025-11-03"))
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv %s: %v", path, err)
	}
	return records
}
