//go:build unix

package dirtypatch

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalEvents delivers SIGUSR1 as Completed and SIGHUP, SIGINT and SIGTERM
// as Terminated. Call the returned function to stop delivery.
func SignalEvents() (<-chan Event, func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	events := make(chan Event, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				ev := Terminated
				if sig == syscall.SIGUSR1 {
					ev = Completed
				}
				select {
				case events <- ev:
				default:
				}
			case <-done:
				return
			}
		}
	}()
	return events, func() {
		signal.Stop(sigs)
		close(done)
	}
}
