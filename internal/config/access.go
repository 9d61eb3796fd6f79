package config

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// AccessMode gates reads of the front-end scrollback through the bridge.
type AccessMode string

const (
	AccessOff AccessMode = "off"
	AccessOn  AccessMode = "on"
)

// ParseAccessMode accepts off/on and a few boolean spellings.
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "false", "0", "disabled":
		return AccessOff, nil
	case "on", "true", "1", "enabled":
		return AccessOn, nil
	}
	return AccessOff, fmt.Errorf("invalid buffer access mode %q", s)
}

// AccessSwitch is the runtime access-mode flag shared between the config
// watcher and the bridge.
type AccessSwitch struct {
	on atomic.Bool
}

// NewAccessSwitch returns a switch set to mode.
func NewAccessSwitch(mode AccessMode) *AccessSwitch {
	s := &AccessSwitch{}
	s.Set(mode)
	return s
}

// Mode returns the current mode.
func (s *AccessSwitch) Mode() AccessMode {
	if s.on.Load() {
		return AccessOn
	}
	return AccessOff
}

// Enabled reports whether buffer reads are allowed.
func (s *AccessSwitch) Enabled() bool {
	return s.on.Load()
}

// Set changes the mode and reports whether it differed.
func (s *AccessSwitch) Set(mode AccessMode) bool {
	return s.on.Swap(mode == AccessOn) != (mode == AccessOn)
}
