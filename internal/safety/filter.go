// Package safety screens command text for destructive operations before it
// reaches a terminal.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBlocked is matched (via errors.Is) by every *BlockedError.
var ErrBlocked = errors.New("blocked command")

// BlockedError reports the pattern that rejected a command.
type BlockedError struct {
	Pattern     string
	Description string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked command: %s (pattern %q)", e.Description, e.Pattern)
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// Result is the outcome of screening one command string.
type Result struct {
	Blocked     bool
	Pattern     string
	Description string
}

type rule struct {
	re          *regexp.Regexp
	description string
}

func mustRule(expr, description string) rule {
	return rule{re: regexp.MustCompile(expr), description: description}
}

// commandStart matches where a shell begins a new simple command: input
// start, a separator, a subshell or substitution opener, a privilege or
// exec prefix, or the payload of "sh -c".
const commandStart = "(^|[;&|(`{]\\s*|\\$\\(\\s*|\\b(sudo|doas|exec|nohup|env|command)\\s+|\\b(ba|z|da|k|fi)?sh\\s+-[a-z]*c\\s+['\"]?)"

const commandEnd = "(\\s|$|[;&|)}`'\"])"

// rules is matched against normalize's output.
var rules = []rule{
	// Recursive delete of root-like targets
	mustRule(`\brm\s+(-[a-z-]*\s+)*-[a-z]*r[a-z]*f?[a-z]*\s+(-[a-z-]*\s+)*(/|/\*|~|~/|\$home|/home|/usr|/etc|/var|/boot|/system|c:\\?)(\s|$|;|&|\|)`, "recursive delete of a root-like path"),
	mustRule(`\brm\s+.*--no-preserve-root`, "recursive delete with --no-preserve-root"),
	mustRule(`\b(rmdir|rd|del)\s+/s\s+(/q\s+)?[a-z]:\\?(\s|$)`, "recursive delete of a drive root"),
	mustRule(`\bremove-item\s+.*-recurse.*\s[a-z]:\\(\s|$|\*)`, "recursive delete of a drive root"),

	// Disk formatting and partitioning
	mustRule(`\bmkfs(\.[a-z0-9]+)?\b`, "filesystem formatting"),
	mustRule(`\b(fdisk|sfdisk|cfdisk|parted|gdisk|wipefs|diskpart)\b`, "disk partitioning"),
	mustRule(`\bdiskutil\s+(erasedisk|erasevolume|partitiondisk|zerodisk)\b`, "disk erase"),
	mustRule(`\bformat\s+[a-z]:`, "drive formatting"),
	mustRule(`\bdd\s+.*\bof=/dev/(sd|hd|nvme|disk|mmcblk|xvd|vd)`, "raw write to a block device"),
	mustRule(`>\s*/dev/(sd|hd|nvme|disk|mmcblk)[a-z0-9]*`, "redirect onto a block device"),

	// Fork bombs
	mustRule(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, "fork bomb"),
	mustRule(`\b(\w+)\(\)\s*\{\s*\w+\s*\|\s*\w+\s*&\s*\}\s*;\s*\w+`, "fork bomb"),

	// Shutdown and halt
	mustRule(commandStart+`(shutdown|halt|poweroff|reboot)`+commandEnd, "system shutdown"),
	mustRule(commandStart+`init\s+[06]`+commandEnd, "system shutdown"),
	mustRule(`\bsystemctl\s+(poweroff|halt|reboot|kexec)\b`, "system shutdown"),
	mustRule(`\bstop-computer\b|\brestart-computer\b`, "system shutdown"),

	// Credential file reads
	mustRule(`\b(cat|less|more|head|tail|cp|scp|base64|xxd|strings|type)\s+.*(/etc/shadow|/etc/gshadow|/etc/sudoers)`, "credential file read"),
	mustRule(`\b(cat|less|more|head|tail|cp|scp|base64|xxd|strings|type)\s+.*\.ssh/(id_[a-z0-9]+|identity)(\s|$)`, "private key read"),
	mustRule(`\b(cat|less|more|head|tail|cp|scp|base64|xxd|strings|type)\s+.*(\.aws/credentials|\.netrc|\.git-credentials|\.docker/config\.json|\.kube/config)`, "credential file read"),
	mustRule(`\bsecurity\s+(find-generic-password|find-internet-password|dump-keychain)\b`, "keychain dump"),

	// Download-and-execute pipelines
	mustRule(`\b(curl|wget|fetch)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`, "download piped to a shell"),
	mustRule(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(python[0-9.]*|perl|ruby|node)\b`, "download piped to an interpreter"),
	mustRule(`\b(iwr|invoke-webrequest|invoke-restmethod|irm)\b.*\|\s*(iex|invoke-expression)\b`, "download piped to invoke-expression"),
	mustRule(`\b(ba)?sh\s+<\(\s*(curl|wget)\b`, "download executed by process substitution"),

	// Reverse shells
	mustRule(`/dev/(tcp|udp)/[^\s/]+/[0-9]+`, "reverse shell via /dev/tcp"),
	mustRule(`\b(nc|ncat|netcat)\b.*\s-[a-z]*e\s`, "reverse shell via netcat -e"),
	mustRule(`\b(nc|ncat|netcat)\b.*\s-c\s`, "reverse shell via netcat -c"),
	mustRule(`\bsocat\b.*\bexec:`, "reverse shell via socat"),
	mustRule(`\bmkfifo\b.*\|\s*(nc|ncat|netcat)\b`, "reverse shell via fifo"),

	// Security database registry edits
	mustRule(`\breg(\.exe)?\s+(add|delete|import|load|restore)\s+"?(hklm|hkey_local_machine)\\(sam|security|system\\currentcontrolset\\control\\lsa)`, "security registry edit"),
	mustRule(`\breg(\.exe)?\s+save\s+"?(hklm|hkey_local_machine)\\(sam|security|system)\b`, "security registry export"),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// lineBreaks end a command in a terminal just like ';' does.
var lineBreaks = strings.NewReplacer("\r\n", ";", "\r", ";", "\n", ";")

// normalize lower-cases command, turns line breaks into ';' and collapses
// remaining whitespace runs.
func normalize(command string) string {
	text := lineBreaks.Replace(strings.ToLower(command))
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// Check screens command against the destructive-operation table.
func Check(command string) Result {
	text := normalize(command)
	if text == "" {
		return Result{}
	}
	for _, r := range rules {
		if r.re.MatchString(text) {
			return Result{Blocked: true, Pattern: r.re.String(), Description: r.description}
		}
	}
	return Result{}
}

// Validate returns a *BlockedError when command matches a blocked pattern.
func Validate(command string) error {
	res := Check(command)
	if !res.Blocked {
		return nil
	}
	return &BlockedError{Pattern: res.Pattern, Description: res.Description}
}

// CommandLine joins a command and its arguments the way they are screened
// at spawn time.
func CommandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
