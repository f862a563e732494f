package deployer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RunLogLine is one line of the machine-readable log that terraform and tofu
// write with -json.
type RunLogLine struct {
	Level     string          `json:"@level"`
	Message   string          `json:"@message"`
	Type      string          `json:"type"`
	Terraform string          `json:"terraform,omitempty"`
	Tofu      string          `json:"tofu,omitempty"`
	Hook      json.RawMessage `json:"hook,omitempty"`
	Diag      *RunDiagnostic  `json:"diagnostic,omitempty"`
}

// RunDiagnostic is an error or warning reported during a run.
type RunDiagnostic struct {
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
	Detail   string `json:"detail"`
}

// RunLog summarizes a decoded run log.
type RunLog struct {
	// Version is "terraform/<v>" or "tofu/<v>" from the version line.
	Version string

	// Errors lists error diagnostics in order.
	Errors []string

	// Lines is the count of decoded lines.
	Lines int

	// Text is the human-readable log, one message per line.
	Text string
}

// RunLogDecoder reads the JSON-lines log of a run.
type RunLogDecoder struct {
	r *bufio.Scanner
}

// NewRunLogDecoder creates a decoder over r.
func NewRunLogDecoder(r io.Reader) *RunLogDecoder {
	scanner := bufio.NewScanner(r)
	// State diffs can produce very long lines.
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &RunLogDecoder{r: scanner}
}

// Decode reads the next line. Lines that are not JSON are returned as plain
// messages so that provider output is never lost.
func (d *RunLogDecoder) Decode() (*RunLogLine, error) {
	for d.r.Scan() {
		line := strings.TrimSpace(d.r.Text())
		if line == "" {
			continue
		}
		var l RunLogLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			return &RunLogLine{Level: "info", Message: line, Type: "raw"}, nil
		}
		return &l, nil
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// Summarize decodes a whole run log.
func Summarize(r io.Reader) (*RunLog, error) {
	d := NewRunLogDecoder(r)
	summary := &RunLog{}
	var text strings.Builder
	for {
		line, err := d.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, err
		}
		summary.Lines++
		text.WriteString(line.Message)
		text.WriteByte('\n')

		switch {
		case line.Type == "version" && line.Terraform != "":
			summary.Version = "terraform/" + line.Terraform
		case line.Type == "version" && line.Tofu != "":
			summary.Version = "tofu/" + line.Tofu
		case line.Diag != nil && line.Diag.Severity == "error":
			msg := line.Diag.Summary
			if line.Diag.Detail != "" {
				msg += ": " + line.Diag.Detail
			}
			summary.Errors = append(summary.Errors, msg)
		}
	}
	summary.Text = text.String()
	return summary, nil
}
