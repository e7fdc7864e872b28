// Package benchmark measures the gate against a labelled prompt dataset.
package benchmark

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	LabelMalicious = "malicious"
	LabelBenign    = "benign"
)

// Record is one labelled prompt.
type Record struct {
	ID    int
	Text  string
	Label string
}

// Malicious reports whether the record is an attack.
func (r Record) Malicious() bool { return r.Label == LabelMalicious }

type rawRecord struct {
	Prompt *string         `json:"prompt"`
	Text   *string         `json:"text"`
	Label  json.RawMessage `json:"label"`
}

// LoadFile reads a JSONL dataset from path.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads JSONL records. The text comes from "prompt", falling back to
// "text". A label of 1, "1", true or "malicious" marks an attack; anything
// else is benign. Blank lines are skipped; malformed lines are an error.
func Load(r io.Reader) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		var text string
		switch {
		case rec.Prompt != nil:
			text = *rec.Prompt
		case rec.Text != nil:
			text = *rec.Text
		default:
			return nil, fmt.Errorf("dataset line %d: no prompt or text field", line)
		}
		out = append(out, Record{ID: len(out), Text: text, Label: parseLabel(rec.Label)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return out, nil
}

func parseLabel(raw json.RawMessage) string {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(raw)), `"`)) {
	case "1", "true", LabelMalicious:
		return LabelMalicious
	default:
		return LabelBenign
	}
}
