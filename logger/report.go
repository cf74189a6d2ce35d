package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorCount      int64
	warnCount       int64
	segmentsOK      int64
	segmentsFailed  int64
	archivesWritten int64
	recordsWritten  int64
)

func recordWarn()  { atomic.AddInt64(&warnCount, 1) }
func recordError() { atomic.AddInt64(&errorCount, 1) }

// IncrementSegment counts one finished segment download.
func IncrementSegment(success bool) {
	if success {
		atomic.AddInt64(&segmentsOK, 1)
	} else {
		atomic.AddInt64(&segmentsFailed, 1)
	}
}

// IncrementArchiveWrite counts one persisted archive of records rows.
func IncrementArchiveWrite(records int) {
	atomic.AddInt64(&archivesWritten, 1)
	atomic.AddInt64(&recordsWritten, int64(records))
}

// StartReport begins periodic logging of sync statistics until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	return Fields{
		"errors":           atomic.LoadInt64(&errorCount),
		"warns":            atomic.LoadInt64(&warnCount),
		"segments_ok":      atomic.LoadInt64(&segmentsOK),
		"segments_failed":  atomic.LoadInt64(&segmentsFailed),
		"archives_written": atomic.LoadInt64(&archivesWritten),
		"records_written":  atomic.LoadInt64(&recordsWritten),
		"goroutines":       runtime.NumGoroutine(),
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{
		count("SegmentsOK", "segments_ok"),
		count("SegmentsFailed", "segments_failed"),
		count("ArchivesWritten", "archives_written"),
		count("RecordsWritten", "records_written"),
		count("Errors", "errors"),
		count("Warns", "warns"),
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	})
}
