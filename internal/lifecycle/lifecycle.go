// Package lifecycle turns process signals into foreground/background events
// for the sync engine. The engine pauses its poll timer while backgrounded
// and resumes (with an immediate sync) on return to foreground.
//
// On a headless daemon there is no window visibility to observe, so the
// mapping is SIGUSR1 → background, SIGUSR2 → foreground. A supervisor or
// desktop shell integration sends these around session lock/unlock.
package lifecycle

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Event is a foreground/background transition.
type Event int

const (
	// Foreground means the application became active again; the engine
	// restarts its timer and syncs immediately.
	Foreground Event = iota
	// Background means the application became inactive; the engine stops
	// its timer but keeps all cached state.
	Background
)

// String returns the event name for logging.
func (e Event) String() string {
	if e == Foreground {
		return "foreground"
	}
	return "background"
}

// Notifier converts SIGUSR1/SIGUSR2 into [Event] values on a channel.
// Create one with [NewSignalNotifier] and release it with [Notifier.Close].
type Notifier struct {
	events chan Event
	sigs   chan os.Signal
	done   chan struct{}
}

// NewSignalNotifier registers the signal handlers and starts translating.
func NewSignalNotifier(logger *slog.Logger) *Notifier {
	n := &Notifier{
		events: make(chan Event, 1),
		sigs:   make(chan os.Signal, 2),
		done:   make(chan struct{}),
	}
	signal.Notify(n.sigs, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-n.done:
				return
			case sig := <-n.sigs:
				ev := Foreground
				if sig == syscall.SIGUSR1 {
					ev = Background
				}
				logger.Debug("lifecycle signal", "event", ev)
				// Coalesce: only the latest pending event matters.
				select {
				case n.events <- ev:
				default:
					select {
					case <-n.events:
					default:
					}
					n.events <- ev
				}
			}
		}
	}()

	return n
}

// Events returns the channel the engine consumes.
func (n *Notifier) Events() <-chan Event {
	return n.events
}

// Close unregisters the signal handlers and stops the translator goroutine.
func (n *Notifier) Close() {
	signal.Stop(n.sigs)
	close(n.done)
}
