// Package platform answers the few host questions the daemon cares about:
// how to launch a detached process and whether file events can be trusted.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host kind.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var platformNames = map[Platform]string{
	PlatformMacOS:   "macOS",
	PlatformLinux:   "Linux",
	PlatformWSL1:    "WSL1",
	PlatformWSL2:    "WSL2",
	PlatformWindows: "Windows",
}

func (p Platform) String() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return "Unknown"
}

var (
	detectMu sync.Mutex
	detected Platform
)

// Detect returns the host platform. The result is computed once.
func Detect() Platform {
	detectMu.Lock()
	defer detectMu.Unlock()
	if detected == "" {
		detected = detect(runtime.GOOS, os.Getenv, os.ReadFile, exists)
	}
	return detected
}

// override pins the detection result; "" clears it.
func override(p Platform) {
	detectMu.Lock()
	detected = p
	detectMu.Unlock()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// detect classifies the host. Linux kernels built by Microsoft are WSL: the
// WSL2 kernel reports "microsoft-standard", WSL1 only a capitalized
// "Microsoft". Without a version string, WSL2-only paths decide.
func detect(goos string, getenv func(string) string, readFile func(string) ([]byte, error), exists func(string) bool) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	version := ""
	if b, err := readFile("/proc/version"); err == nil {
		version = string(b)
	}
	wsl := getenv("WSL_DISTRO_NAME") != "" || strings.Contains(strings.ToLower(version), "microsoft")
	if !wsl {
		return PlatformLinux
	}
	switch {
	case strings.Contains(version, "microsoft-standard"):
		return PlatformWSL2
	case strings.Contains(version, "Microsoft"):
		return PlatformWSL1
	case exists("/run/WSL"), exists("/dev/vsock"):
		return PlatformWSL2
	}
	return PlatformWSL1
}

// LaunchMode names how a detached daemon process is started.
type LaunchMode string

const (
	// LaunchShellWrapper starts the daemon through the platform shell's
	// background-start builtin.
	LaunchShellWrapper LaunchMode = "shell-wrapper"
	// LaunchDirect executes the daemon binary in a new session.
	LaunchDirect LaunchMode = "direct"
)

// DaemonLaunchMode returns the launch strategy for the current platform.
func DaemonLaunchMode() LaunchMode {
	if Detect() == PlatformWindows {
		return LaunchShellWrapper
	}
	return LaunchDirect
}

// Filesystems on which inotify is missing or misses remote writes.
var unreliableFS = map[string]string{
	"9p":    "9p mount (WSL2 Windows filesystem)",
	"nfs":   "NFS mount",
	"nfs4":  "NFS mount",
	"cifs":  "CIFS/SMB mount",
	"smbfs": "CIFS/SMB mount",
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where file events are unreliable, or "" when fsnotify can be used.
// Callers poll instead when a warning is returned.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsWarning(mountFSType(abs, string(mounts)))
}

// mountFSType returns the filesystem type of the longest mount point
// containing path, given /proc/mounts content.
func mountFSType(path, mounts string) string {
	var best, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp := fields[1]
		if !strings.HasPrefix(path, mp) || len(mp) <= len(best) {
			continue
		}
		if mp != "/" && len(path) > len(mp) && path[len(mp)] != '/' {
			continue
		}
		best, fsType = mp, fields[2]
	}
	return fsType
}

func fsWarning(fsType string) string {
	if strings.HasPrefix(fsType, "fuse.sshfs") {
		return "config on SSHFS mount: file events unavailable, polling instead"
	}
	if desc, ok := unreliableFS[fsType]; ok {
		return "config on " + desc + ": file events unreliable, polling instead"
	}
	return ""
}
