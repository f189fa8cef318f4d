package kernel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/kfmt/early"
)

// bufWriter adapts a bytes.Buffer to early.Writer so Panic's output can be
// captured without a real console or serial port.
type bufWriter struct {
	buf bytes.Buffer
}

func (w *bufWriter) WriteByte(b byte) {
	w.buf.WriteByte(b)
}

func (w *bufWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		w := &bufWriter{}
		early.SetOutput(w)
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		got := w.buf.String()
		wantPrefix := "\n-----------------------------------\n[test] unrecoverable error: panic test\nstack:\n"
		wantSuffix := "*** kernel panic: system halted ***\n-----------------------------------\n"

		if !strings.HasPrefix(got, wantPrefix) {
			t.Fatalf("expected output to start with:\n%q\ngot:\n%q", wantPrefix, got)
		}
		if !strings.HasSuffix(got, wantSuffix) {
			t.Fatalf("expected output to end with:\n%q\ngot:\n%q", wantSuffix, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		w := &bufWriter{}
		early.SetOutput(w)

		Panic(nil)

		got := w.buf.String()
		wantPrefix := "\n-----------------------------------\nstack:\n"
		wantSuffix := "*** kernel panic: system halted ***\n-----------------------------------\n"

		if !strings.HasPrefix(got, wantPrefix) {
			t.Fatalf("expected output to start with:\n%q\ngot:\n%q", wantPrefix, got)
		}
		if !strings.HasSuffix(got, wantSuffix) {
			t.Fatalf("expected output to end with:\n%q\ngot:\n%q", wantSuffix, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}
