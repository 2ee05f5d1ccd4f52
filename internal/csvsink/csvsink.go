// Package csvsink writes running-trade and orderbook rows to daily CSV
// files, one per (dataset, ticker, day), rotating lazily at UTC midnight.
//
// Grounded on original_source/storage.py's CSVStorage (header-on-first-write,
// DictWriter-style column discipline) and original_source/orderbook_streamer.py's
// OrderbookCSVStorage (per-ticker open file handle map with rollover on
// date change).
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "stockbit-ingest/internal/errors"
)

// Dataset names the two row shapes this sink knows how to write.
type Dataset string

const (
	RunningTrade Dataset = "running_trade"
	Orderbook    Dataset = "orderbook"
)

func (d Dataset) columns() []string {
	switch d {
	case RunningTrade:
		return []string{"id", "date", "time", "action", "code", "price", "change",
			"lot", "buyer", "seller", "trade_number", "buyer_type", "seller_type", "market_board"}
	case Orderbook:
		return []string{"timestamp", "price", "lots", "total_value", "side"}
	default:
		return nil
	}
}

// RunningTradeRow is one row of the running-trade dataset. Price and
// Change are kept as the broker's own strings (see DESIGN.md): Stockbit's
// notation uses thousands separators and percent signs that are lossy to
// round-trip through a float, and the spec does not need to compute on
// them, only persist them.
type RunningTradeRow struct {
	ID          string
	Date        string
	Time        string
	Action      string
	Code        string
	Price       string
	Change      string
	Lot         string
	Buyer       string
	Seller      string
	TradeNumber string
	BuyerType   string
	SellerType  string
	MarketBoard string
}

func (r RunningTradeRow) values() []string {
	return []string{r.ID, r.Date, r.Time, r.Action, r.Code, r.Price, r.Change,
		r.Lot, r.Buyer, r.Seller, r.TradeNumber, r.BuyerType, r.SellerType, r.MarketBoard}
}

// OrderbookRow is one price level of the orderbook dataset, keyed by the
// timestamp carried in the wire frame (internal/codec.Frame.Timestamp, an
// opaque string; see DESIGN.md) rather than a parsed time.Time.
type OrderbookRow struct {
	Timestamp  string
	Price      string
	Lots       string
	TotalValue string
	Side       string
}

func (r OrderbookRow) values() []string {
	return []string{r.Timestamp, r.Price, r.Lots, r.TotalValue, r.Side}
}

type entryKey struct {
	dataset Dataset
	ticker  string
}

type entry struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	date   string // YYYY-MM-DD, UTC, the day this file's rows belong to
}

// Sink owns one open file handle per (dataset, ticker) pair, rotating to
// a new file whenever the UTC calendar date changes. All file I/O for a
// given key is serialized by that key's own mutex; different keys never
// block each other.
type Sink struct {
	baseDir string

	mapMu   sync.Mutex
	entries map[entryKey]*entry
}

// New creates a Sink rooted at baseDir. Per-dataset subdirectories are
// created lazily on first write.
func New(baseDir string) *Sink {
	return &Sink{baseDir: baseDir, entries: make(map[entryKey]*entry)}
}

// AppendRunningTrade writes a single running-trade row, filed under the
// explicit date (historical backfills always know their target date up
// front; there is no "now" to roll over against).
func (s *Sink) AppendRunningTrade(ticker, date string, row RunningTradeRow) error {
	return s.append(RunningTrade, ticker, date, row.values())
}

// AppendOrderbookLevel writes a single orderbook price level, filed under
// at's UTC calendar date. Streaming sessions call this continuously, so
// this is the path that actually exercises midnight rollover.
func (s *Sink) AppendOrderbookLevel(ticker string, at time.Time, row OrderbookRow) error {
	date := at.UTC().Format("2006-01-02")
	return s.append(Orderbook, ticker, date, row.values())
}

func (s *Sink) append(dataset Dataset, ticker, date string, values []string) error {
	e := s.entryFor(dataset, ticker)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer == nil || e.date != date {
		if e.file != nil {
			e.writer.Flush()
			e.file.Close()
		}
		if err := s.openLocked(e, dataset, ticker, date); err != nil {
			return err
		}
	}

	if err := e.writer.Write(values); err != nil {
		return pkgerrors.NewIOError("csv_write", e.file.Name(), fmt.Sprintf("failed to write row for %s/%s", dataset, ticker), pkgerrors.KindFatal, err)
	}
	e.writer.Flush()
	if err := e.writer.Error(); err != nil {
		return pkgerrors.NewIOError("csv_flush", e.file.Name(), fmt.Sprintf("failed to flush row for %s/%s", dataset, ticker), pkgerrors.KindFatal, err)
	}
	return nil
}

func (s *Sink) entryFor(dataset Dataset, ticker string) *entry {
	key := entryKey{dataset: dataset, ticker: ticker}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if e, ok := s.entries[key]; ok {
		return e
	}
	e := &entry{}
	s.entries[key] = e
	return e
}

func (s *Sink) openLocked(e *entry, dataset Dataset, ticker, date string) error {
	path := s.Path(dataset, ticker, date)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pkgerrors.NewIOError("csv_open", path, "failed to create dataset directory", pkgerrors.KindFatal, err)
	}

	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return pkgerrors.NewIOError("csv_open", path, "failed to open csv file", pkgerrors.KindFatal, err)
	}

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(dataset.columns()); err != nil {
			f.Close()
			return pkgerrors.NewIOError("csv_header", path, "failed to write csv header", pkgerrors.KindFatal, err)
		}
		w.Flush()
	}

	e.file = f
	e.writer = w
	e.date = date
	return nil
}

// Path returns the deterministic on-disk path for a (dataset, ticker,
// date) triple, without requiring a write.
func (s *Sink) Path(dataset Dataset, ticker, date string) string {
	return filepath.Join(s.baseDir, string(dataset), fmt.Sprintf("%s_%s.csv", date, ticker))
}

// CloseAll flushes and closes every open file handle. Call during
// shutdown.
func (s *Sink) CloseAll() error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	var firstErr error
	for _, e := range s.entries {
		e.mu.Lock()
		if e.file != nil {
			e.writer.Flush()
			if err := e.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			e.file = nil
			e.writer = nil
		}
		e.mu.Unlock()
	}
	return firstErr
}

// ListFile describes one CSV file already on disk, for the control
// facade's file-listing operation.
type ListFile struct {
	Dataset  Dataset
	Ticker   string
	Date     string
	Path     string
	SizeBytes int64
	ModTime  time.Time
}

// List enumerates every CSV file under baseDir across all datasets.
func (s *Sink) List() ([]ListFile, error) {
	var out []ListFile
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".csv" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(s.baseDir, path)
		dataset := Dataset(filepath.Dir(rel))
		name := filepath.Base(path)
		date, ticker := splitDailyFilename(name)
		out = append(out, ListFile{
			Dataset:   dataset,
			Ticker:    ticker,
			Date:      date,
			Path:      path,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, pkgerrors.NewCodecError("csv_list", "failed to walk data directory", err)
	}
	return out, nil
}

// splitDailyFilename reverses Path's "<date>_<ticker>.csv" convention.
func splitDailyFilename(name string) (date, ticker string) {
	base := name[:len(name)-len(filepath.Ext(name))]
	if len(base) < 11 || base[10] != '_' {
		return "", base
	}
	return base[:10], base[11:]
}
