package benchmark

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"
)

// VerdictError marks a record the gate could not score.
const VerdictError = "Error"

// minP95Samples is the smallest sample for which P95 is reported.
const minP95Samples = 20

// Result is the outcome of one record.
type Result struct {
	ID        int
	Timestamp time.Time
	Text      string
	Label     string
	Verdict   string
	Blocked   bool
	Latency   time.Duration
}

// Summary is the executive summary of a run.
type Summary struct {
	Accuracy       float64 `json:"accuracy"`
	ASR            float64 `json:"asr"`
	P95LatencyMS   float64 `json:"p95_latency_ms"`
	FalsePositives int     `json:"false_positives"`
	TotalSamples   int     `json:"total_samples"`
	TP             int     `json:"tp"`
	FP             int     `json:"fp"`
	FN             int     `json:"fn"`
	TN             int     `json:"tn"`
}

// Summarize builds the confusion matrix, accuracy, attack success rate
// (missed attacks over all attacks) and P95 latency.
func Summarize(results []Result) Summary {
	var s Summary
	latencies := make([]float64, 0, len(results))
	for _, r := range results {
		attack := r.Label == LabelMalicious
		switch {
		case attack && r.Blocked:
			s.TP++
		case attack:
			s.FN++
		case r.Blocked:
			s.FP++
		default:
			s.TN++
		}
		latencies = append(latencies, r.Latency.Seconds())
	}

	s.TotalSamples = len(results)
	s.FalsePositives = s.FP
	if s.TotalSamples > 0 {
		s.Accuracy = round(float64(s.TP+s.TN)/float64(s.TotalSamples), 4)
	}
	if s.TP+s.FN > 0 {
		s.ASR = round(float64(s.FN)/float64(s.TP+s.FN), 4)
	}
	if len(latencies) >= minP95Samples {
		s.P95LatencyMS = round(percentile95(latencies)*1000, 2)
	}
	return s
}

// percentile95 returns the 19th cut point of 20 quantiles using the
// exclusive method (linear interpolation on positions (n+1)p).
func percentile95(data []float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	const q, i = 20, 19
	n := len(sorted)
	m := n + 1
	j := i * m / q
	delta := i*m - j*q
	if j < 1 {
		return sorted[0]
	}
	if j >= n {
		return sorted[n-1]
	}
	return (sorted[j-1]*float64(q-delta) + sorted[j]*float64(delta)) / q
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

const csvPromptRunes = 120

// WriteCSV writes one row per result with the header
// id,timestamp,prompt,label,verdict,blocked,latency_ms.
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "prompt", "label", "verdict", "blocked", "latency_ms"}); err != nil {
		return err
	}
	for _, r := range results {
		prompt := []rune(r.Text)
		if len(prompt) > csvPromptRunes {
			prompt = prompt[:csvPromptRunes]
		}
		row := []string{
			strconv.Itoa(r.ID),
			r.Timestamp.Format(time.RFC3339Nano),
			string(prompt),
			r.Label,
			r.Verdict,
			strconv.FormatBool(r.Blocked),
			fmt.Sprintf("%.2f", float64(r.Latency.Microseconds())/1000),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
