package pathsync

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Metrics defines the interface for collecting and reporting synchronization statistics.
type Metrics interface {
	AddUploads(n int64)
	AddDownloads(n int64)
	AddCopies(n int64)
	AddBytesTransferred(n int64)
	AddFilesUpToDate(n int64)
	AddFilesDeleted(n int64)
	AddDirsCreated(n int64)
	AddDirsDeleted(n int64)
	AddExcluded(n int64)
	AddEntriesProcessed(n int64)
	AddFailures(n int64)
	Snapshot() Stats
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// Stats is a point in time copy of the counters.
type Stats struct {
	Uploads          int64
	Downloads        int64
	Copies           int64
	BytesTransferred int64
	FilesUpToDate    int64
	FilesDeleted     int64
	DirsCreated      int64
	DirsDeleted      int64
	Excluded         int64
	EntriesProcessed int64
	Failures         int64
	Elapsed          time.Duration
}

// Transfers returns the number of uploads, downloads and local copies.
func (s Stats) Transfers() int64 {
	return s.Uploads + s.Downloads + s.Copies
}

// SyncMetrics holds the atomic counters for tracking the sync operation's progress.
// It is the concrete implementation of the Metrics interface.
type SyncMetrics struct {
	Uploads          atomic.Int64
	Downloads        atomic.Int64
	Copies           atomic.Int64
	BytesTransferred atomic.Int64
	FilesUpToDate    atomic.Int64
	FilesDeleted     atomic.Int64
	DirsCreated      atomic.Int64
	DirsDeleted      atomic.Int64
	Excluded         atomic.Int64
	EntriesProcessed atomic.Int64
	Failures         atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *SyncMetrics) AddUploads(n int64)          { m.Uploads.Add(n) }
func (m *SyncMetrics) AddDownloads(n int64)        { m.Downloads.Add(n) }
func (m *SyncMetrics) AddCopies(n int64)           { m.Copies.Add(n) }
func (m *SyncMetrics) AddBytesTransferred(n int64) { m.BytesTransferred.Add(n) }
func (m *SyncMetrics) AddFilesUpToDate(n int64)    { m.FilesUpToDate.Add(n) }
func (m *SyncMetrics) AddFilesDeleted(n int64)     { m.FilesDeleted.Add(n) }
func (m *SyncMetrics) AddDirsCreated(n int64)      { m.DirsCreated.Add(n) }
func (m *SyncMetrics) AddDirsDeleted(n int64)      { m.DirsDeleted.Add(n) }
func (m *SyncMetrics) AddExcluded(n int64)         { m.Excluded.Add(n) }
func (m *SyncMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }
func (m *SyncMetrics) AddFailures(n int64)         { m.Failures.Add(n) }

// Snapshot returns the current counters.
func (m *SyncMetrics) Snapshot() Stats {
	s := Stats{
		Uploads:          m.Uploads.Load(),
		Downloads:        m.Downloads.Load(),
		Copies:           m.Copies.Load(),
		BytesTransferred: m.BytesTransferred.Load(),
		FilesUpToDate:    m.FilesUpToDate.Load(),
		FilesDeleted:     m.FilesDeleted.Load(),
		DirsCreated:      m.DirsCreated.Load(),
		DirsDeleted:      m.DirsDeleted.Load(),
		Excluded:         m.Excluded.Load(),
		EntriesProcessed: m.EntriesProcessed.Load(),
		Failures:         m.Failures.Load(),
	}
	if !m.startTime.IsZero() {
		s.Elapsed = time.Since(m.startTime)
	}
	return s
}

func (m *SyncMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *SyncMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the counters with a custom message. It is called by the
// progress ticker and once at the end of the run.
func (m *SyncMetrics) LogSummary(msg string) {
	s := m.Snapshot()
	plog.Info(msg,
		"uploads", s.Uploads,
		"downloads", s.Downloads,
		"copies", s.Copies,
		"bytes", util.ByteCountIEC(s.BytesTransferred),
		"rate", util.ByteRate(s.BytesTransferred, s.Elapsed),
		"uptodate", s.FilesUpToDate,
		"files_deleted", s.FilesDeleted,
		"dirs_created", s.DirsCreated,
		"dirs_deleted", s.DirsDeleted,
		"excluded", s.Excluded,
		"entries_processed", s.EntriesProcessed,
		"errors", s.Failures,
		"duration", s.Elapsed.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddUploads(n int64)                               {}
func (m *NoopMetrics) AddDownloads(n int64)                             {}
func (m *NoopMetrics) AddCopies(n int64)                                {}
func (m *NoopMetrics) AddBytesTransferred(n int64)                      {}
func (m *NoopMetrics) AddFilesUpToDate(n int64)                         {}
func (m *NoopMetrics) AddFilesDeleted(n int64)                          {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddDirsDeleted(n int64)                           {}
func (m *NoopMetrics) AddExcluded(n int64)                              {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) AddFailures(n int64)                              {}
func (m *NoopMetrics) Snapshot() Stats                                  { return Stats{} }
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
