// Package colstore is the on-disk columnar store for historical candles.
//
// Layout: <base>/<BASE-QUOTE>/<timeframe>/<YYYY-MM>.tcb, one file per calendar
// month. Each file holds the six candle columns (timestamp, open, high, low,
// close, volume) serialized column-major and zstd-compressed. Writes follow
// the read-merge-rewrite pattern under a per-file mutex and land atomically
// via a temp file rename, so readers never observe a torn file.
package colstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/domain/market"
)

const (
	fileExt     = ".tcb"
	fileMagic   = "TCB1"
	headerSize  = 8 // magic + uint32 candle count
	columnCount = 6
)

var ErrCorruptFile = fmt.Errorf("corrupt candle file")

// AvailableRange describes the stored extent for a pair/timeframe.
type AvailableRange struct {
	Earliest     int64 `json:"earliest"`
	Latest       int64 `json:"latest"`
	TotalCandles int   `json:"total_candles"`
	TotalFiles   int   `json:"total_files"`
}

// Store reads and writes monthly candle files under a base directory.
type Store struct {
	base string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a store rooted at base, creating the directory if needed.
func New(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store base %s: %w", base, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd decoder: %w", err)
	}
	return &Store{
		base:  base,
		locks: make(map[string]*sync.Mutex),
		enc:   enc,
		dec:   dec,
	}, nil
}

// AppendCandles merges candles into their monthly files. Within a file,
// duplicates by timestamp resolve last-write-wins and the result is sorted
// ascending. Returns the number of candles written (after dedup).
func (s *Store) AppendCandles(pair, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]market.Candle)
	for _, c := range candles {
		key := monthKey(c.Timestamp)
		byMonth[key] = append(byMonth[key], c)
	}

	total := 0
	for month, batch := range byMonth {
		n, err := s.appendMonth(pair, timeframe, month, batch)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) appendMonth(pair, timeframe, month string, batch []market.Candle) (int, error) {
	path := s.filePath(pair, timeframe, month)
	mu := s.fileLock(path)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.readFile(path)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}

	merged := make(map[int64]market.Candle, len(existing)+len(batch))
	for _, c := range existing {
		merged[c.Timestamp] = c
	}
	for _, c := range batch {
		merged[c.Timestamp] = c // last write wins
	}

	out := make([]market.Candle, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	if err := s.writeFileAtomic(path, out); err != nil {
		return 0, err
	}

	log.Debug().Str("pair", pair).Str("timeframe", timeframe).Str("month", month).
		Int("candles", len(out)).Msg("candle file rewritten")
	return len(batch), nil
}

// ReadRange returns all candles with from <= timestamp <= to, sorted
// ascending. The month files covering [from,to] plus one neighbor on each
// side are consulted.
func (s *Store) ReadRange(pair, timeframe string, from, to int64) ([]market.Candle, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range: to %d before from %d", to, from)
	}

	var out []market.Candle
	for _, month := range monthsBetween(from, to, 1) {
		path := s.filePath(pair, timeframe, month)
		mu := s.fileLock(path)
		mu.Lock()
		candles, err := s.readFile(path)
		mu.Unlock()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, c := range candles {
			if c.Timestamp >= from && c.Timestamp <= to {
				out = append(out, c)
			}
		}
	}
	// Month files are visited in order and individually sorted, so the
	// concatenation is already sorted.
	return out, nil
}

// GetAvailableRange reports the stored extent, or nil when no data exists.
func (s *Store) GetAvailableRange(pair, timeframe string) (*AvailableRange, error) {
	files, err := s.listFiles(pair, timeframe)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	total := 0
	for _, f := range files {
		n, err := s.readCount(f)
		if err != nil {
			return nil, err
		}
		total += n
	}

	first, err := s.readFile(files[0])
	if err != nil {
		return nil, err
	}
	last, err := s.readFile(files[len(files)-1])
	if err != nil {
		return nil, err
	}
	if len(first) == 0 || len(last) == 0 {
		return nil, nil
	}

	return &AvailableRange{
		Earliest:     first[0].Timestamp,
		Latest:       last[len(last)-1].Timestamp,
		TotalCandles: total,
		TotalFiles:   len(files),
	}, nil
}

// DeleteBefore removes all candles with timestamp < cutoff. Whole months are
// unlinked; the boundary month is rewritten. Returns the number removed.
func (s *Store) DeleteBefore(pair, timeframe string, cutoff int64) (int, error) {
	files, err := s.listFiles(pair, timeframe)
	if err != nil {
		return 0, err
	}

	removed := 0
	cutoffMonth := monthKey(cutoff)
	for _, path := range files {
		month := strings.TrimSuffix(filepath.Base(path), fileExt)
		mu := s.fileLock(path)
		mu.Lock()
		switch {
		case month < cutoffMonth:
			n, err := s.readCount(path)
			if err == nil {
				err = os.Remove(path)
			}
			mu.Unlock()
			if err != nil {
				return removed, err
			}
			removed += n
		case month == cutoffMonth:
			candles, err := s.readFile(path)
			if err != nil {
				mu.Unlock()
				return removed, err
			}
			kept := candles[:0]
			for _, c := range candles {
				if c.Timestamp >= cutoff {
					kept = append(kept, c)
				}
			}
			dropped := len(candles) - len(kept)
			if dropped > 0 {
				if len(kept) == 0 {
					err = os.Remove(path)
				} else {
					err = s.writeFileAtomic(path, kept)
				}
			}
			mu.Unlock()
			if err != nil {
				return removed, err
			}
			removed += dropped
		default:
			mu.Unlock()
		}
	}
	return removed, nil
}

func (s *Store) filePath(pair, timeframe, month string) string {
	return filepath.Join(s.base, market.PairFileKey(pair), timeframe, month+fileExt)
}

func (s *Store) listFiles(pair, timeframe string) ([]string, error) {
	dir := filepath.Join(s.base, market.PairFileKey(pair), timeframe)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list candle files: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files) // YYYY-MM names sort chronologically
	return files, nil
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[path] = mu
	}
	return mu
}

// encodeFile serializes candles column-major and compresses the payload.
func (s *Store) encodeFile(candles []market.Candle) []byte {
	n := len(candles)
	raw := make([]byte, 0, n*8*columnCount)

	var scratch [8]byte
	putF := func(v float64) {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
		raw = append(raw, scratch[:]...)
	}
	for _, c := range candles {
		binary.LittleEndian.PutUint64(scratch[:], uint64(c.Timestamp))
		raw = append(raw, scratch[:]...)
	}
	for _, c := range candles {
		putF(c.Open)
	}
	for _, c := range candles {
		putF(c.High)
	}
	for _, c := range candles {
		putF(c.Low)
	}
	for _, c := range candles {
		putF(c.Close)
	}
	for _, c := range candles {
		putF(c.Volume)
	}

	out := make([]byte, headerSize, headerSize+len(raw)/2)
	copy(out[:4], fileMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(n))
	return s.enc.EncodeAll(raw, out)
}

func (s *Store) decodeFile(data []byte) ([]market.Candle, error) {
	if len(data) < headerSize || string(data[:4]) != fileMagic {
		return nil, ErrCorruptFile
	}
	n := int(binary.LittleEndian.Uint32(data[4:8]))

	raw, err := s.dec.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if len(raw) != n*8*columnCount {
		return nil, ErrCorruptFile
	}

	candles := make([]market.Candle, n)
	col := func(i int) []byte { return raw[i*n*8 : (i+1)*n*8] }
	ts, op, hi, lo, cl, vo := col(0), col(1), col(2), col(3), col(4), col(5)
	for i := 0; i < n; i++ {
		off := i * 8
		candles[i] = market.Candle{
			Timestamp: int64(binary.LittleEndian.Uint64(ts[off:])),
			Open:      math.Float64frombits(binary.LittleEndian.Uint64(op[off:])),
			High:      math.Float64frombits(binary.LittleEndian.Uint64(hi[off:])),
			Low:       math.Float64frombits(binary.LittleEndian.Uint64(lo[off:])),
			Close:     math.Float64frombits(binary.LittleEndian.Uint64(cl[off:])),
			Volume:    math.Float64frombits(binary.LittleEndian.Uint64(vo[off:])),
		}
	}
	return candles, nil
}

func (s *Store) readFile(path string) ([]market.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	candles, err := s.decodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return candles, nil
}

// readCount reads only the header, avoiding decompression.
func (s *Store) readCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, fmt.Errorf("%s: %w", path, ErrCorruptFile)
	}
	if string(header[:4]) != fileMagic {
		return 0, fmt.Errorf("%s: %w", path, ErrCorruptFile)
	}
	return int(binary.LittleEndian.Uint32(header[4:8])), nil
}

func (s *Store) writeFileAtomic(path string, candles []market.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create candle dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, s.encodeFile(candles), 0o644); err != nil {
		return fmt.Errorf("failed to write candle file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit candle file: %w", err)
	}
	return nil
}

func monthKey(tsMillis int64) string {
	return time.UnixMilli(tsMillis).UTC().Format("2006-01")
}

// monthsBetween enumerates YYYY-MM keys covering [from,to] widened by pad
// months on each side.
func monthsBetween(from, to int64, pad int) []string {
	start := time.UnixMilli(from).UTC()
	end := time.UnixMilli(to).UTC()
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -pad, 0)
	end = time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, pad, 0)

	var months []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m.Format("2006-01"))
	}
	return months
}
