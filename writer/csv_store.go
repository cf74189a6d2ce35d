package writer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"klinesync/logger"
	"klinesync/models"
)

// csvDateLayout is RFC3339 with fixed milliseconds.
const csvDateLayout = "2006-01-02T15:04:05.000Z07:00"

// CSVHeader is the column order of local archive files.
var CSVHeader = []string{"date", "open", "high", "low", "close", "volume", "count", "taker_buy_volume"}

// Older archives were written by other tools; these layouts are accepted on
// load only.
var legacyDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// CSVStore keeps one CSV file per archive under Dir.
type CSVStore struct {
	Dir string
	log *logger.Log
}

func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{Dir: dir, log: logger.GetLogger()}
}

// Path returns the file backing key.
func (s *CSVStore) Path(key ArchiveKey) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%s.csv", key.Symbol, key.Interval))
}

func (s *CSVStore) Load(ctx context.Context, key ArchiveKey) (models.Table, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f, err := os.Open(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &ArchiveError{Key: key, Op: "open", Err: err}
	}
	defer f.Close()

	table, err := ReadCSV(f)
	if err != nil {
		return nil, false, &ArchiveError{Key: key, Op: "read", Err: err}
	}
	return table, true, nil
}

// Save writes table to a temporary file next to the archive and renames it
// over the old one.
func (s *CSVStore) Save(ctx context.Context, key ArchiveKey, table models.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return &ArchiveError{Key: key, Op: "mkdir", Err: err}
	}

	target := s.Path(key)
	tmp, err := os.CreateTemp(s.Dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return &ArchiveError{Key: key, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &ArchiveError{Key: key, Op: op, Err: err}
	}

	if err := WriteCSV(tmp, table); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &ArchiveError{Key: key, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return &ArchiveError{Key: key, Op: "rename", Err: err}
	}

	s.log.WithComponent("csv_store").WithFields(logger.Fields{
		"path":    target,
		"records": len(table),
	}).Debug("archive saved")
	return nil
}

// WriteCSV encodes table with CSVHeader.
func WriteCSV(w io.Writer, table models.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, k := range table {
		rec := []string{
			k.Date.UTC().Format(csvDateLayout),
			k.Open.String(),
			k.High.String(),
			k.Low.String(),
			k.Close.String(),
			k.Volume.String(),
			strconv.FormatInt(k.Count, 10),
			k.TakerBuyVolume.String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes an archive file. Columns are located by header name;
// count and taker_buy_volume may be absent in old files.
func ReadCSV(r io.Reader) (models.Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return models.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range CSVHeader[:6] {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	table := models.Table{}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		k, err := parseArchiveRow(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		table = append(table, k)
	}
	return table, nil
}

func parseArchiveRow(rec []string, idx map[string]int) (models.Kline, error) {
	var k models.Kline
	field := func(name string) (string, bool) {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}

	raw, _ := field("date")
	date, err := ParseArchiveDate(raw)
	if err != nil {
		return k, err
	}
	k.Date = date

	decimals := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &k.Open},
		{"high", &k.High},
		{"low", &k.Low},
		{"close", &k.Close},
		{"volume", &k.Volume},
		{"taker_buy_volume", &k.TakerBuyVolume},
	}
	for _, d := range decimals {
		v, ok := field(d.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return k, fmt.Errorf("column %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if v, ok := field("count"); ok && v != "" {
		count, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return k, fmt.Errorf("column count: %w", err)
			}
			count = int64(f)
		}
		k.Count = count
	}
	return k, nil
}

// ParseArchiveDate accepts every date layout archives have been written with,
// including bare epoch milliseconds. The result is UTC at millisecond
// precision.
func ParseArchiveDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range legacyDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}
