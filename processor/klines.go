package processor

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"klinesync/models"
)

// KlineColumns is the column layout of headerless mirror files.
var KlineColumns = []string{
	"open_time", "open", "high", "low", "close", "volume",
	"close_time", "quote_volume", "count", "taker_buy_volume",
	"taker_buy_quote_volume", "ignore",
}

// Columns a decoded row needs; the rest are dropped during normalization.
var requiredColumns = []string{"open_time", "open", "high", "low", "close", "volume", "count", "taker_buy_volume"}

// Open times above this are microseconds rather than milliseconds.
const microsThreshold = int64(1e14)

// DecodeKlineZip reads the single CSV file packed in a mirror archive.
func DecodeKlineZip(payload []byte) (models.Table, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, errors.New("zip archive is empty")
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", zr.File[0].Name, err)
	}
	defer f.Close()
	return DecodeKlineCSV(f)
}

// DecodeKlineCSV parses mirror CSV content into normalized klines. A first
// line mentioning open_time is taken as the header; otherwise the canonical
// KlineColumns order is assumed. Rows whose ignore column is non-zero are
// dropped.
func DecodeKlineCSV(r io.Reader) (models.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return models.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	var pending []string
	columns := KlineColumns
	if isHeader(first) {
		columns = first
	} else {
		pending = first
	}

	idx, err := columnIndex(columns)
	if err != nil {
		return nil, err
	}

	var table models.Table
	line := 1
	for {
		var rec []string
		if pending != nil {
			rec, pending = pending, nil
		} else {
			rec, err = cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read csv: %w", err)
			}
			line++
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		k, keep, err := decodeRow(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if keep {
			table = append(table, k)
		}
	}
	if table == nil {
		table = models.Table{}
	}
	return table, nil
}

func isHeader(rec []string) bool {
	for _, f := range rec {
		if strings.Contains(f, "open_time") {
			return true
		}
	}
	return false
}

func columnIndex(columns []string) (map[string]int, error) {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[strings.TrimSpace(c)] = i
	}
	for _, c := range requiredColumns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %s", c)
		}
	}
	return idx, nil
}

func decodeRow(rec []string, idx map[string]int) (models.Kline, bool, error) {
	field := func(name string) (string, error) {
		i := idx[name]
		if i >= len(rec) {
			return "", fmt.Errorf("column %s out of range", name)
		}
		return strings.TrimSpace(rec[i]), nil
	}

	if _, ok := idx["ignore"]; ok {
		v, err := field("ignore")
		if err != nil {
			return models.Kline{}, false, err
		}
		if v != "" {
			ignore, err := decimal.NewFromString(v)
			if err != nil {
				return models.Kline{}, false, fmt.Errorf("ignore: %w", err)
			}
			if !ignore.IsZero() {
				return models.Kline{}, false, nil
			}
		}
	}

	raw, err := field("open_time")
	if err != nil {
		return models.Kline{}, false, err
	}
	openTime, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("open_time: %w", err)
	}

	var k models.Kline
	k.Date = OpenTime(openTime)

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
		v, err := field(d.name)
		if err != nil {
			return models.Kline{}, false, err
		}
		if *d.dst, err = decimal.NewFromString(v); err != nil {
			return models.Kline{}, false, fmt.Errorf("%s: %w", d.name, err)
		}
	}

	count, err := field("count")
	if err != nil {
		return models.Kline{}, false, err
	}
	if k.Count, err = strconv.ParseInt(count, 10, 64); err != nil {
		return models.Kline{}, false, fmt.Errorf("count: %w", err)
	}
	return k, true, nil
}

// OpenTime converts an epoch open time in milliseconds (or microseconds, as
// newer mirror files use) to a UTC time truncated to milliseconds.
func OpenTime(v int64) time.Time {
	if v > microsThreshold {
		return time.UnixMicro(v).UTC().Truncate(time.Millisecond)
	}
	return time.UnixMilli(v).UTC()
}
