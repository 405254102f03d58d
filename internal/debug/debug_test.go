package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(LevelLive)
	defer Init(LevelOff)

	Info("selected %s", "cam0")
	Live("previewing")
	Verbose("hidden verbose")
	Trace("hidden trace")

	out := buf.String()
	if !strings.Contains(out, "selected cam0") {
		t.Errorf("info line missing: %q", out)
	}
	if !strings.Contains(out, "previewing") {
		t.Errorf("live line missing: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("verbose/trace lines should be filtered at level %d: %q", LevelLive, out)
	}
}

func TestOffProducesNothing(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(LevelOff)

	Info("x")
	Error(errors.New("boom"))

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
	if IsEnabled(LevelInfo) {
		t.Error("IsEnabled(LevelInfo) should be false when off")
	}
}
