package lifecycle

import (
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"
)

func TestEventString(t *testing.T) {
	if got := Foreground.String(); got != "foreground" {
		t.Errorf("Foreground.String() = %q", got)
	}
	if got := Background.String(); got != "background" {
		t.Errorf("Background.String() = %q", got)
	}
}

func TestNotifier_TranslatesSignals(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewSignalNotifier(logger)
	defer n.Close()

	expect := func(sig syscall.Signal, want Event) {
		t.Helper()
		if err := syscall.Kill(syscall.Getpid(), sig); err != nil {
			t.Fatalf("sending %v: %v", sig, err)
		}
		select {
		case got := <-n.Events():
			if got != want {
				t.Fatalf("event for %v = %v, want %v", sig, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no event for %v", sig)
		}
	}

	expect(syscall.SIGUSR1, Background)
	expect(syscall.SIGUSR2, Foreground)
}
