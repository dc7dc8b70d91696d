// Package sensor summarizes the accelerometer telemetry recorded while a
// drawing was made.
package sensor

import (
	"encoding/csv"
	"strings"
)

// Summary is a coarse description of a telemetry upload.
type Summary struct {
	Rows    int      `json:"rows"`
	Columns []string `json:"columns,omitempty"`
}

// Summarize counts the data rows of csvText, excluding the header line.
// Empty input yields nil. Malformed CSV still yields a line-based count.
func Summarize(csvText string) *Summary {
	lines := nonEmptyLines(csvText)
	if len(lines) == 0 {
		return nil
	}

	summary := &Summary{Rows: len(lines) - 1}
	header, err := csv.NewReader(strings.NewReader(lines[0])).Read()
	if err == nil {
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
		summary.Columns = header
	}
	return summary
}

func nonEmptyLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := raw[:0]
	for _, line := range raw {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
