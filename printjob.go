package main

import (
	"strings"
	"time"
)

// WireLine pairs a print-stream index with its raw command text.
type WireLine struct {
	Index int
	Text  string
}

// Wire returns the checksummed on-wire form of this line, no trailing newline.
func (w WireLine) Wire() string {
	return checksum(w.Index, w.Text)
}

// PrintJob is the in-memory pre-processed G-code for one print: a line
// cursor, byte accounting, and a resend counter. Grounded on the teacher's
// print-history bookkeeping in bridge.go, generalized from a database row to
// an in-memory struct since the Bridge owns exactly one job at a time.
type PrintJob struct {
	Filename   string
	lines      []WireLine
	totalBytes int
	cursor     int
	sent       int
	resends    int
	StartedAt  time.Time
	EndedAt    *time.Time
}

// loadPrintJob strips comments, trims, drops empty lines, and prepends the
// mandatory M110 N0 line-number reset, matching spec.md §4.3 load().
func loadPrintJob(filename string, rawLines []string) *PrintJob {
	job := &PrintJob{Filename: filename, StartedAt: time.Now()}
	job.lines = append(job.lines, WireLine{Index: 0, Text: "M110 N0"})
	job.totalBytes += len(stripSpaces("M110 N0"))

	idx := 1
	for _, raw := range rawLines {
		text := stripComment(raw)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		job.lines = append(job.lines, WireLine{Index: idx, Text: text})
		job.totalBytes += len(stripSpaces(text))
		idx++
	}
	return job
}

func stripComment(line string) string {
	if i := strings.Index(line, ";"); i >= 0 {
		return line[:i]
	}
	return line
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// lineAt returns the line at the given index, or ok=false if out of range.
func (p *PrintJob) lineAt(index int) (WireLine, bool) {
	if index < 0 || index >= len(p.lines) {
		return WireLine{}, false
	}
	return p.lines[index], true
}

func (p *PrintJob) size() int { return p.totalBytes }

func (p *PrintJob) setCursor(i int) { p.cursor = i }

func (p *PrintJob) cursorAt() int { return p.cursor }

func (p *PrintJob) bytesSent() int { return p.sent }

func (p *PrintJob) addBytesSent(n int) { p.sent += n }

// progressPct is bytesSent / size * 100, 0 when size is 0.
func (p *PrintJob) progressPct() float64 {
	if p.totalBytes == 0 {
		return 0
	}
	return float64(p.sent) / float64(p.totalBytes) * 100
}

func (p *PrintJob) recordResend() { p.resends++ }

// resendRatio compares total resends against total line count, not lines
// sent so far — kept for parity with the original's under-penalising
// behaviour on early resend storms (spec.md §9 open question, resolved).
func (p *PrintJob) resendRatio() float64 {
	if len(p.lines) == 0 {
		return 0
	}
	return float64(p.resends) / float64(len(p.lines))
}

func (p *PrintJob) finish() {
	now := time.Now()
	p.EndedAt = &now
}
