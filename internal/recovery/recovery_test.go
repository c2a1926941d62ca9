package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestCall_ReturnsPanicError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := Call(logger, "engine.Receive", func() {
		panic("bad frame")
	})

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Call() error = %v, want *PanicError", err)
	}
	if pe.Name != "engine.Receive" || pe.Value != "bad frame" {
		t.Errorf("PanicError = %+v", pe)
	}
	if len(pe.Stack) == 0 {
		t.Error("expected stack trace")
	}
	if !strings.Contains(err.Error(), "panic in engine.Receive: bad frame") {
		t.Errorf("Error() = %q", err.Error())
	}

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Errorf("expected stack trace in output, got: %s", output)
	}
}

func TestCall_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ran := false
	if err := Call(logger, "engine.OnTimeout", func() { ran = true }); err != nil {
		t.Errorf("Call() error = %v", err)
	}
	if !ran {
		t.Error("function did not run")
	}
	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestCall_ErrorValuePanic(t *testing.T) {
	sentinel := errors.New("engine state corrupted")
	err := Call(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), "engine.Create", func() {
		panic(sentinel)
	})

	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != sentinel {
		t.Errorf("Call() error = %v, want panic value %v", err, sentinel)
	}
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "testGoroutine")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "testGoroutine") {
		t.Errorf("expected goroutine name in output, got: %s", output)
	}
	if !strings.Contains(output, "test panic") {
		t.Errorf("expected panic message in output, got: %s", output)
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "normalGoroutine")
	}()

	wg.Wait()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}
