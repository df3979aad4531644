package main

import (
	"regexp"
	"strconv"
	"strings"
)

// Pure classification of firmware response lines. No I/O, no shared state —
// grounded on the original implementation's parser module (TOOLTEMPREGEX,
// BEDTEMPREGEX, LINENR, RESEND) but rebuilt as explicit Go types instead of
// side-effecting distributor sends.

var (
	toolTempRegex    = regexp.MustCompile(`(T\d?):(\d+\.?\d*) ?/(\d+\.?\d*)`)
	bedTempRegex     = regexp.MustCompile(`B:(\d+\.?\d*) ?/(\d+\.?\d*)`)
	chamberTempRegex = regexp.MustCompile(`C:(\d+\.?\d*) ?/(\d+\.?\d*)`)
	lineNrRegex      = regexp.MustCompile(`ok\s*N(\d+)`)
	resendRegex      = regexp.MustCompile(`Resend:\s*N?:?(\d+)`)
)

// ClassKind enumerates the possible shapes of a single firmware line.
type ClassKind int

const (
	ClassOther ClassKind = iota
	ClassTemperature
	ClassOk
	ClassResend
	ClassError
	ClassBusy
)

// ToolTemp is a single extruder's reported temperature.
type ToolTemp struct {
	Name    string
	Current float64
	Target  float64
}

// TempReport bundles every temperature reading carried by one line.
type TempReport struct {
	Tools   []ToolTemp
	Bed     *ToolTemp
	Chamber *ToolTemp
}

// Classification is the result of classify(line).
type Classification struct {
	Kind    ClassKind
	Temp    TempReport // valid when Kind == ClassTemperature
	AckLine *int       // valid when Kind == ClassOk; nil if no line number
	Resend  int        // valid when Kind == ClassResend
	Text    string     // valid when Kind == ClassError
}

// classify turns one firmware line (no trailing newline) into a Classification.
// Rules are applied in the order spec.md §4.1 lists them.
func classify(line string) Classification {
	if toolTempRegex.MatchString(line) || bedTempRegex.MatchString(line) {
		return Classification{Kind: ClassTemperature, Temp: parseTemperature(line)}
	}

	if m := resendRegex.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Classification{Kind: ClassResend, Resend: n}
	}

	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "error") {
		if strings.HasPrefix(line, suppressedErrorPrefix) {
			return Classification{Kind: ClassOther}
		}
		return Classification{Kind: ClassError, Text: line}
	}

	if strings.HasPrefix(line, "ok") {
		var ack *int
		if m := lineNrRegex.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			ack = &n
		}
		return Classification{Kind: ClassOk, AckLine: ack}
	}

	if strings.HasPrefix(lower, "echo:busy: processing") {
		return Classification{Kind: ClassBusy}
	}

	return Classification{Kind: ClassOther}
}

// parseTemperature extracts per-tool, bed and chamber readings. Missing
// numbers default to 0.0, matching the firmware's own sloppiness here.
func parseTemperature(line string) TempReport {
	var report TempReport
	for _, m := range toolTempRegex.FindAllStringSubmatch(line, -1) {
		report.Tools = append(report.Tools, ToolTemp{
			Name:    m[1],
			Current: parseFloatOrZero(m[2]),
			Target:  parseFloatOrZero(m[3]),
		})
	}
	if m := bedTempRegex.FindStringSubmatch(line); m != nil {
		report.Bed = &ToolTemp{Current: parseFloatOrZero(m[1]), Target: parseFloatOrZero(m[2])}
	}
	if m := chamberTempRegex.FindStringSubmatch(line); m != nil {
		report.Chamber = &ToolTemp{Current: parseFloatOrZero(m[1]), Target: parseFloatOrZero(m[2])}
	}
	return report
}

func parseFloatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0.0
	}
	return f
}

// checksum computes the on-wire form of a print line: strip spaces, prefix
// with N<index>, XOR every byte of the prefixed form truncated to 8 bits,
// and append the checksum. No trailing newline — the Bridge appends one on
// write.
func checksum(index int, text string) string {
	stripped := strings.ReplaceAll(text, " ", "")
	prefixed := "N" + strconv.Itoa(index) + stripped
	var cs byte
	for i := 0; i < len(prefixed); i++ {
		cs ^= prefixed[i]
	}
	return prefixed + "*" + strconv.Itoa(int(cs))
}

// BridgeDecisionKind is the outcome of scanning a batch of responses
// collected since the previous "ok".
type BridgeDecisionKind int

const (
	DecisionContinue BridgeDecisionKind = iota
	DecisionResend
	DecisionError
	DecisionBusy
)

// BridgeDecision is the result of parseResponses over one batch.
type BridgeDecision struct {
	Kind       BridgeDecisionKind
	AckLine    *int
	ResendLine int
}

// parseResponses scans a batch of classified lines (collected since the
// previous "ok") and resolves it to a single decision. Per spec.md §4.1
// rule 6, priority is independent of line order: scan the whole batch for
// any Resend first, then the whole batch for any non-suppressed Error —
// not whichever shows up first in the batch.
func parseResponses(batch []Classification) BridgeDecision {
	for _, c := range batch {
		if c.Kind == ClassResend {
			return BridgeDecision{Kind: DecisionResend, ResendLine: c.Resend}
		}
	}
	for _, c := range batch {
		if c.Kind == ClassError {
			return BridgeDecision{Kind: DecisionError}
		}
	}

	var lastAck *int
	sawBusy := false
	for _, c := range batch {
		switch c.Kind {
		case ClassOk:
			lastAck = c.AckLine
		case ClassBusy:
			sawBusy = true
		}
	}
	if sawBusy {
		return BridgeDecision{Kind: DecisionBusy, AckLine: lastAck}
	}
	return BridgeDecision{Kind: DecisionContinue, AckLine: lastAck}
}
