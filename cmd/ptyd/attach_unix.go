//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
)

func terminalSize(_ int) (uint16, uint16, error) {
	ws, err := pty.GetsizeFull(os.Stdin)
	if err != nil {
		return 0, 0, err
	}
	return ws.Cols, ws.Rows, nil
}

// watchResize calls fn on every SIGWINCH until the returned stop is called.
func watchResize(fn func()) func() {
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigwinch:
				fn()
			}
		}
	}()
	return func() {
		signal.Stop(sigwinch)
		close(done)
	}
}
