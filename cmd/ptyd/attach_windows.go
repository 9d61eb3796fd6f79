//go:build windows

package main

import "golang.org/x/term"

func terminalSize(fd int) (uint16, uint16, error) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return 0, 0, err
	}
	return uint16(cols), uint16(rows), nil
}

// watchResize is a no-op: the console has no resize signal.
func watchResize(func()) func() {
	return func() {}
}
