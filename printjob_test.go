package main

import "testing"

func TestLoadPrintJobStripsCommentsAndBlankLines(t *testing.T) {
	raw := []string{
		"G28 ; home all axes",
		"",
		"   ",
		"; full comment line",
		"G1 X10 Y10",
	}
	job := loadPrintJob("test.gcode", raw)

	if job.lines[0].Text != "M110 N0" {
		t.Fatalf("expected index 0 to be M110 N0, got %q", job.lines[0].Text)
	}
	if len(job.lines) != 3 {
		t.Fatalf("expected 3 lines (reset + 2 real commands), got %d", len(job.lines))
	}
	if job.lines[1].Text != "G28" {
		t.Errorf("expected trailing comment stripped, got %q", job.lines[1].Text)
	}
	if job.lines[2].Text != "G1 X10 Y10" {
		t.Errorf("expected line preserved, got %q", job.lines[2].Text)
	}
}

func TestLoadPrintJobIndicesContiguous(t *testing.T) {
	job := loadPrintJob("test.gcode", []string{"G1", "G2", "G3"})
	for i, wl := range job.lines {
		if wl.Index != i {
			t.Errorf("line %d has index %d", i, wl.Index)
		}
	}
}

func TestProgressPctZeroSize(t *testing.T) {
	job := &PrintJob{}
	if got := job.progressPct(); got != 0 {
		t.Errorf("progressPct on empty job = %v, want 0", got)
	}
}

func TestProgressPctComputed(t *testing.T) {
	job := loadPrintJob("test.gcode", []string{"G1"})
	job.addBytesSent(job.size() / 2)
	got := job.progressPct()
	if got < 49.9 || got > 50.1 {
		t.Errorf("progressPct = %v, want ~50", got)
	}
}

func TestResendRatioAgainstTotalLineCount(t *testing.T) {
	raw := make([]string, 19)
	for i := range raw {
		raw[i] = "G1"
	}
	job := loadPrintJob("test.gcode", raw) // 19 lines + M110 N0 = 20
	job.recordResend()
	got := job.resendRatio()
	want := 1.0 / 20.0
	if got < want-0.001 || got > want+0.001 {
		t.Errorf("resendRatio = %v, want %v", got, want)
	}
}

func TestLineAtOutOfRange(t *testing.T) {
	job := loadPrintJob("test.gcode", []string{"G1"})
	if _, ok := job.lineAt(99); ok {
		t.Errorf("expected lineAt(99) to report absent")
	}
}
