package suppress

import (
	"testing"

	"github.com/psantana5/safeinit/pkg/logging"
)

func TestRun(t *testing.T) {
	if !Run(logging.Nop(), "ok", func() {}) {
		t.Fatal("expected normal completion")
	}
	if Run(logging.Nop(), "boom", func() { panic("boom") }) {
		t.Fatal("expected panic to be reported")
	}
}

func TestValue(t *testing.T) {
	if got := Value(logging.Nop(), "ok", false, func() bool { return true }); !got {
		t.Errorf("Value() = %v, want true", got)
	}
	if got := Value(logging.Nop(), "boom", 7, func() int { panic("boom") }); got != 7 {
		t.Errorf("Value() = %d, want default 7", got)
	}
}
