package writer

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"klinesync/models"
)

// klineRecord is the parquet schema of an archive. Prices and volumes are
// kept as decimal text so a round trip is exact.
type klineRecord struct {
	Date           int64  `parquet:"name=date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open           string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High           string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low            string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close          string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume         string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	Count          int64  `parquet:"name=count, type=INT64"`
	TakerBuyVolume string `parquet:"name=taker_buy_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
}

var errReadOnly = errors.New("parquet buffer is read only")

// memFileWriter collects parquet output in memory before upload.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// memFileReader serves a downloaded object to the parquet reader. Every Open
// gets its own cursor since the reader opens one handle per column.
type memFileReader struct {
	data []byte
	r    *bytes.Reader
}

func newMemFileReader(data []byte) *memFileReader {
	return &memFileReader{data: data, r: bytes.NewReader(data)}
}

func (m *memFileReader) Create(string) (source.ParquetFile, error) { return nil, errReadOnly }
func (m *memFileReader) Open(string) (source.ParquetFile, error)   { return newMemFileReader(m.data), nil }
func (m *memFileReader) Seek(offset int64, whence int) (int64, error) {
	return m.r.Seek(offset, whence)
}
func (m *memFileReader) Read(b []byte) (int, error) { return m.r.Read(b) }
func (m *memFileReader) Write([]byte) (int, error)  { return 0, errReadOnly }
func (m *memFileReader) Close() error               { return nil }

// EncodeParquet serializes table with snappy compression.
func EncodeParquet(table models.Table) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, new(klineRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, k := range table {
		rec := klineRecord{
			Date:           k.Date.UnixMilli(),
			Open:           k.Open.String(),
			High:           k.High.String(),
			Low:            k.Low.String(),
			Close:          k.Close.String(),
			Volume:         k.Volume.String(),
			Count:          k.Count,
			TakerBuyVolume: k.TakerBuyVolume.String(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

// DecodeParquet is the inverse of EncodeParquet.
func DecodeParquet(data []byte) (models.Table, error) {
	pr, err := reader.NewParquetReader(newMemFileReader(data), new(klineRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	records := make([]klineRecord, n)
	if n > 0 {
		if err := pr.Read(&records); err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}

	table := make(models.Table, 0, len(records))
	for i, rec := range records {
		k, err := rec.kline()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		table = append(table, k)
	}
	return table, nil
}

func (r klineRecord) kline() (models.Kline, error) {
	k := models.Kline{Date: time.UnixMilli(r.Date).UTC(), Count: r.Count}
	fields := []struct {
		v   string
		dst *decimal.Decimal
	}{
		{r.Open, &k.Open},
		{r.High, &k.High},
		{r.Low, &k.Low},
		{r.Close, &k.Close},
		{r.Volume, &k.Volume},
		{r.TakerBuyVolume, &k.TakerBuyVolume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.v)
		if err != nil {
			return k, err
		}
		*f.dst = d
	}
	return k, nil
}
