// Package metrics exports the counters of a finished sync run in the
// Prometheus text format, for pickup by the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paulschiretz/pgl-sync/pkg/connpool"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
)

const namespace = "pgl_sync"

// Run describes one finished sync run.
type Run struct {
	Mode     string
	Stats    pathsync.Stats
	Failures int
	// Sessions holds connection pool counters keyed by side ("source",
	// "destination"). Local sides have no entry.
	Sessions map[string]connpool.Stats
	Finished time.Time
}

type collectors struct {
	files     *prometheus.GaugeVec
	dirs      *prometheus.GaugeVec
	sessions  *prometheus.GaugeVec
	bytes     prometheus.Gauge
	entries   prometheus.Gauge
	failures  prometheus.Gauge
	success   prometheus.Gauge
	duration  prometheus.Gauge
	timestamp prometheus.Gauge
}

func newCollectors(reg prometheus.Registerer, mode string) *collectors {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"mode": mode}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "last_run", Name: name, Help: help, ConstLabels: labels,
		})
	}
	return &collectors{
		files: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "last_run", Name: "files",
			Help: "Files handled by the last run, by action", ConstLabels: labels,
		}, []string{"action"}),
		dirs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "last_run", Name: "directories",
			Help: "Directories handled by the last run, by action", ConstLabels: labels,
		}, []string{"action"}),
		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "last_run", Name: "ftp_sessions",
			Help: "FTP sessions of the last run, by side and state", ConstLabels: labels,
		}, []string{"side", "state"}),
		bytes:     gauge("bytes_transferred", "Bytes written to the destination by the last run"),
		entries:   gauge("entries_processed", "Source entries examined by the last run"),
		failures:  gauge("failures", "Entries that still failed after the retry pass"),
		success:   gauge("success", "1 if the last run finished without failures"),
		duration:  gauge("duration_seconds", "Wall time of the last run"),
		timestamp: gauge("timestamp_seconds", "Unix time the last run finished"),
	}
}

func (c *collectors) set(run Run) {
	s := run.Stats
	c.files.WithLabelValues("upload").Set(float64(s.Uploads))
	c.files.WithLabelValues("download").Set(float64(s.Downloads))
	c.files.WithLabelValues("copy").Set(float64(s.Copies))
	c.files.WithLabelValues("uptodate").Set(float64(s.FilesUpToDate))
	c.files.WithLabelValues("delete").Set(float64(s.FilesDeleted))
	c.files.WithLabelValues("exclude").Set(float64(s.Excluded))
	c.dirs.WithLabelValues("create").Set(float64(s.DirsCreated))
	c.dirs.WithLabelValues("delete").Set(float64(s.DirsDeleted))
	for side, st := range run.Sessions {
		c.sessions.WithLabelValues(side, "dialed").Set(float64(st.Dialed))
		c.sessions.WithLabelValues(side, "reused").Set(float64(st.Reused))
		c.sessions.WithLabelValues(side, "discarded").Set(float64(st.Discarded))
	}
	c.bytes.Set(float64(s.BytesTransferred))
	c.entries.Set(float64(s.EntriesProcessed))
	c.failures.Set(float64(run.Failures))
	if run.Failures == 0 {
		c.success.Set(1)
	}
	c.duration.Set(s.Elapsed.Seconds())
	finished := run.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	c.timestamp.Set(float64(finished.Unix()))
}

// WriteTextfile writes the metrics of run to path. The file is replaced
// atomically, so a collector never reads a partial file.
func WriteTextfile(path string, run Run) error {
	reg := prometheus.NewRegistry()
	newCollectors(reg, run.Mode).set(run)
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
