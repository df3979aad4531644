package main

import "testing"

func TestChecksum(t *testing.T) {
	tests := []struct {
		name  string
		index int
		text  string
		want  string
	}{
		{"simple move", 1, "G28", "N1G28*50"},
		{"spaces stripped", 10, "G1 X10 Y20", "N10G1X10Y20*59"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checksum(tt.index, tt.text); got != tt.want {
				t.Errorf("checksum(%d, %q) = %q, want %q", tt.index, tt.text, got, tt.want)
			}
		})
	}
}

func TestChecksumIdempotentUnderSpaces(t *testing.T) {
	a := checksum(5, "G1 X10 Y20")
	b := checksum(5, "G1X10Y20")
	if a != b {
		t.Errorf("checksum should be insensitive to input spacing: %q != %q", a, b)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want ClassKind
	}{
		{"ok bare", "ok", ClassOk},
		{"ok with line number", "ok N6", ClassOk},
		{"resend with N prefix", "Resend: N5", ClassResend},
		{"resend without N prefix", "Resend:5", ClassResend},
		{"error", "Error: Unknown command", ClassError},
		{"suppressed line number error", "Error:Line Number is not Last Line Number+1, Last Line: 4", ClassOther},
		{"busy", "echo:busy: processing", ClassBusy},
		{"temperature", "ok T:203.12 /210.00 B:59.8 /60.0", ClassTemperature},
		{"other", "Marlin ready", ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.line)
			if got.Kind != tt.want {
				t.Errorf("classify(%q).Kind = %v, want %v", tt.line, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyResendLineNumber(t *testing.T) {
	got := classify("Resend: N5")
	if got.Kind != ClassResend || got.Resend != 5 {
		t.Fatalf("got %+v, want Resend{5}", got)
	}
}

func TestClassifyOkLineNumber(t *testing.T) {
	got := classify("ok N6")
	if got.Kind != ClassOk || got.AckLine == nil || *got.AckLine != 6 {
		t.Fatalf("got %+v, want Ok{6}", got)
	}
}

func TestClassifyTemperatureToolAndBedReadings(t *testing.T) {
	got := classify("ok T:203.12 /210.00 B:59.8 /60.0")
	if len(got.Temp.Tools) != 1 {
		t.Fatalf("expected one tool reading, got %d", len(got.Temp.Tools))
	}
	if got.Temp.Bed == nil || got.Temp.Bed.Current != 59.8 {
		t.Fatalf("expected bed current=59.8, got %+v", got.Temp.Bed)
	}
	if got.Temp.Chamber != nil {
		t.Fatalf("expected no chamber reading, got %+v", got.Temp.Chamber)
	}
}

func TestChecksumRoundTripSelfClassifierCheck(t *testing.T) {
	wire := checksum(3, "G1 X10")
	got := classify(wire)
	if got.Kind == ClassOk || got.Kind == ClassResend || got.Kind == ClassError {
		t.Errorf("classify(checksum(...)) should not look like a protocol response, got %v", got.Kind)
	}
}

func TestParseResponsesResendTakesPriority(t *testing.T) {
	batch := []Classification{
		{Kind: ClassOther},
		{Kind: ClassResend, Resend: 5},
		{Kind: ClassOk},
	}
	got := parseResponses(batch)
	if got.Kind != DecisionResend || got.ResendLine != 5 {
		t.Fatalf("got %+v, want Resend{5}", got)
	}
}

func TestParseResponsesContinueWithLastAck(t *testing.T) {
	ack := 6
	batch := []Classification{
		{Kind: ClassOther},
		{Kind: ClassOk, AckLine: &ack},
	}
	got := parseResponses(batch)
	if got.Kind != DecisionContinue || got.AckLine == nil || *got.AckLine != 6 {
		t.Fatalf("got %+v, want Continue{6}", got)
	}
}

func TestParseResponsesResendTakesPriorityOverEarlierError(t *testing.T) {
	batch := []Classification{
		{Kind: ClassError, Text: "Error: Unknown command"},
		{Kind: ClassResend, Resend: 5},
		{Kind: ClassOk},
	}
	got := parseResponses(batch)
	if got.Kind != DecisionResend || got.ResendLine != 5 {
		t.Fatalf("got %+v, want Resend{5} even though Error came first in the batch", got)
	}
}

func TestParseResponsesSuppressedErrorYieldsResend(t *testing.T) {
	batch := []Classification{
		{Kind: ClassOther}, // the suppressed line-number error classifies as Other
		{Kind: ClassResend, Resend: 7},
	}
	got := parseResponses(batch)
	if got.Kind != DecisionResend || got.ResendLine != 7 {
		t.Fatalf("got %+v, want Resend{7}", got)
	}
}
