package gateway

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/xiaogangdengdai/autotask/internal/scheduler"
)

// metricsHistorySamples caps how many ledger rows feed the duration histogram.
const metricsHistorySamples = 200

// runDurationBuckets are histogram bounds in seconds, from one minute to the
// default agent timeout and beyond.
var runDurationBuckets = []float64{30, 60, 120, 300, 600, 900, 1800, 3600}

var allPhases = []scheduler.Phase{
	scheduler.PhaseIdle,
	scheduler.PhaseProbing,
	scheduler.PhaseProcessing,
	scheduler.PhaseSleeping,
	scheduler.PhaseCooldown,
	scheduler.PhaseStopped,
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer

	var samples []time.Duration
	if s.runs != nil {
		entries, err := s.runs.Recent(r.Context(), metricsHistorySamples)
		if err != nil {
			s.logger.Warn("Failed to read run durations", slog.Any("error", err))
		}
		for _, e := range entries {
			samples = append(samples, e.Duration)
		}
	}

	var st *scheduler.Status
	if s.status != nil {
		snap := s.status.Status()
		st = &snap
	}

	writeMetrics(&buf, st, samples, time.Since(s.started))

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// writeMetrics writes the scheduler counters in Prometheus text format. A nil
// status writes only uptime and the histogram.
func writeMetrics(w io.Writer, st *scheduler.Status, durations []time.Duration, uptime time.Duration) {
	if st != nil {
		writeHelp(w, "autotask_runs_total", "Pipeline runs by outcome")
		writeType(w, "autotask_runs_total", "counter")
		writeCounter(w, "autotask_runs_total", int64(st.Completed), "outcome", "completed")
		writeCounter(w, "autotask_runs_total", int64(st.Failed), "outcome", "failed")
		writeCounter(w, "autotask_runs_total", int64(st.Abandoned), "outcome", "abandoned")

		writeHelp(w, "autotask_probes_total", "Pending-work probes issued")
		writeType(w, "autotask_probes_total", "counter")
		writeCounter(w, "autotask_probes_total", int64(st.Probes))

		writeHelp(w, "autotask_iteration_panics_total", "Scheduler iterations that panicked")
		writeType(w, "autotask_iteration_panics_total", "counter")
		writeCounter(w, "autotask_iteration_panics_total", int64(st.Panics))

		writeHelp(w, "autotask_last_probe_pending", "Whether the last probe found pending work")
		writeType(w, "autotask_last_probe_pending", "gauge")
		writeGauge(w, "autotask_last_probe_pending", boolGauge(st.LastProbePending))

		writeHelp(w, "autotask_scheduler_phase", "Current scheduler phase")
		writeType(w, "autotask_scheduler_phase", "gauge")
		for _, p := range allPhases {
			writeGaugeLabeled(w, "autotask_scheduler_phase", boolGauge(st.Phase == p), "phase", string(p))
		}
	}

	writeHelp(w, "autotask_uptime_seconds", "Seconds since the gateway started")
	writeType(w, "autotask_uptime_seconds", "gauge")
	writeGauge(w, "autotask_uptime_seconds", uptime.Seconds())

	writeHistogram(w, "autotask_run_duration_seconds", "Duration of recorded pipeline runs", durations, runDurationBuckets)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func writeHelp(w io.Writer, name, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
}

func writeType(w io.Writer, name, metricType string) {
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
}

func writeCounter(w io.Writer, name string, value int64, labelPairs ...string) {
	if len(labelPairs) == 0 {
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
		return
	}
	_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, formatLabels(labelPairs), value)
}

func writeGauge(w io.Writer, name string, value float64) {
	_, _ = fmt.Fprintf(w, "%s %g\n", name, value)
}

func writeGaugeLabeled(w io.Writer, name string, value float64, labelPairs ...string) {
	_, _ = fmt.Fprintf(w, "%s{%s} %g\n", name, formatLabels(labelPairs), value)
}

// writeHistogram writes cumulative buckets, sum and count in seconds.
func writeHistogram(w io.Writer, name, help string, samples []time.Duration, buckets []float64) {
	writeHelp(w, name, help)
	writeType(w, name, "histogram")

	seconds := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		seconds[i] = d.Seconds()
		sum += seconds[i]
	}
	sort.Float64s(seconds)

	for _, bucket := range buckets {
		n := sort.Search(len(seconds), func(i int) bool { return seconds[i] > bucket })
		_, _ = fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", name, bucket, n)
	}
	_, _ = fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, len(seconds))
	_, _ = fmt.Fprintf(w, "%s_sum %g\n", name, sum)
	_, _ = fmt.Fprintf(w, "%s_count %d\n", name, len(seconds))
}

func formatLabels(pairs []string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escapeLabel(pairs[i+1])))
	}
	return strings.Join(parts, ",")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
