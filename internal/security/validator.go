// Package security implements deny-first command validation for Ngome.
//
// Validation order is strict: dangerous patterns are checked before the
// allowlist and always win — a whitelisted executable cannot smuggle a
// destructive invocation through. Elevated (sudo-prefixed) commands face a
// second, narrower gate: only package install/update/remove operations may
// run with elevation.
package security

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/jkaninda/ngome/internal/shellwords"
)

// ErrCommandBlocked is wrapped by every validation rejection.
var ErrCommandBlocked = errors.New("command blocked")

// dangerousPatterns match destructive command shapes. Checked against the
// command with any elevation prefix stripped, before the allowlist.
var dangerousPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`rm\s+(-\w+\s+)*-\w*[rR]\w*\s+(/|/\*)\s*($|;|&|\|)`), "recursive delete of filesystem root"},
	{regexp.MustCompile(`rm\s+(-\w+\s+)*-\w*[rR]\w*\s+/(bin|boot|dev|etc|home|lib\w*|proc|root|sbin|sys|usr|var)\b`), "recursive delete of system path"},
	{regexp.MustCompile(`rm\s+(-\w+\s+)*-\w*[rR]\w*\s+(\$HOME|~)(/\*?)?\s*($|;|&|\|)`), "recursive delete of home directory"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/(sd[a-z]|hd[a-z]|vd[a-z]|nvme\w+|mmcblk\w+|disk\w*|mem|kmem)`), "raw write to block device"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem format tool"},
	{regexp.MustCompile(`\b(fdisk|parted|sfdisk|gdisk)\s+/dev/`), "partition tool against device"},
	{regexp.MustCompile(`>\s*/dev/(sd[a-z]|hd[a-z]|vd[a-z]|nvme\w+|mmcblk\w+|mem|kmem|port|tty\w*)`), "redirect into device node"},
	{regexp.MustCompile(`\bmv\s+.*\s+/dev/(sd[a-z]|hd[a-z]|nvme\w+|mem|kmem)`), "move into device node"},
	{regexp.MustCompile(`python3?\s+-c\s+.*(exec\s*\(|eval\s*\(|__import__)`), "code execution from string"},
	{regexp.MustCompile(`\b(sh|bash|zsh)\s+-c\s+.*(rm\s|dd\s|mkfs)`), "destructive shell -c payload"},
	{regexp.MustCompile(`(curl|wget)\s+.*\|\s*(ba|z)?sh\b`), "pipe download to shell"},
	{regexp.MustCompile(`:\s*\(\s*\)\s*\{.*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\bchmod\s+(-\w+\s+)*-?R\w*\s+[0-7]{3,4}\s+/\s*($|;|&|\|)`), "recursive chmod of filesystem root"},
	{regexp.MustCompile(`\bchmod\s+777\s+/\s*($|;|&|\|)`), "world-writable filesystem root"},
}

// allowedCommands is the allowlist of package-management and developer
// tools. Anything else is rejected before it reaches a process table.
var allowedCommands = map[string]bool{
	"apt":        true,
	"apt-get":    true,
	"apt-cache":  true,
	"apt-mark":   true,
	"dpkg":       true,
	"dpkg-query": true,
	"snap":       true,
	"pip":        true,
	"pip3":       true,
	"python":     true,
	"python3":    true,
	"git":        true,
	"npm":        true,
	"node":       true,
	"cargo":      true,
	"make":       true,
	"curl":       true,
	"wget":       true,
	"which":      true,
	"command":    true,
	"echo":       true,
	"cat":        true,
	"ls":         true,
	"sleep":      true,
	"time":       true,
	"env":        true,
}

// elevationSafeVerbs maps each executable allowed under sudo to the verbs
// it may run elevated. Package install/update/remove operations only —
// "sudo bash" or "sudo chmod" never qualify.
var elevationSafeVerbs = map[string]map[string]bool{
	"apt":     aptVerbs,
	"apt-get": aptVerbs,
	"pip":     pipVerbs,
	"pip3":    pipVerbs,
	"dpkg": {
		"-i": true, "--install": true,
		"-r": true, "--remove": true,
		"-P": true, "--purge": true,
		"--configure": true,
	},
	"snap": {
		"install": true, "remove": true, "refresh": true,
	},
}

var aptVerbs = map[string]bool{
	"install": true, "update": true, "upgrade": true, "dist-upgrade": true,
	"remove": true, "purge": true, "autoremove": true, "reinstall": true,
}

var pipVerbs = map[string]bool{
	"install": true, "uninstall": true, "download": true,
}

// sudoFlags are single-token sudo options skipped when locating the
// underlying command. Options taking a value (-u user) keep their value
// token out of matching too.
var sudoFlags = map[string]bool{
	"-E": true, "-H": true, "-n": true, "-k": true, "-b": true,
}

// Validator classifies shell commands as accepted or rejected.
// Pure: no side effects, safe for concurrent use.
type Validator struct{}

// NewValidator creates a Validator with the built-in policy tables.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns nil when the command is accepted, or an error wrapping
// ErrCommandBlocked with the rejection reason.
func (v *Validator) Validate(command string) error {
	tokens, err := shellwords.Split(command)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandBlocked, err)
	}
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty command", ErrCommandBlocked)
	}

	elevated, bare := stripElevation(tokens)

	// Denylist first, on the elevation-stripped command string.
	// A denylist hit rejects regardless of allowlist membership.
	bareStr := strings.Join(bare, " ")
	for _, p := range dangerousPatterns {
		if p.re.MatchString(bareStr) {
			return fmt.Errorf("%w: dangerous pattern (%s)", ErrCommandBlocked, p.reason)
		}
	}

	if len(bare) == 0 {
		return fmt.Errorf("%w: elevation prefix without a command", ErrCommandBlocked)
	}

	executable := path.Base(bare[0])
	if !allowedCommands[executable] {
		return fmt.Errorf("%w: %q is not whitelisted", ErrCommandBlocked, executable)
	}

	if elevated {
		verbs, ok := elevationSafeVerbs[executable]
		if !ok {
			return fmt.Errorf("%w: %q may not run elevated", ErrCommandBlocked, executable)
		}
		verb := firstVerb(bare[1:])
		if verb == "" || !verbs[verb] {
			return fmt.Errorf("%w: elevated %s %q is not a permitted package operation", ErrCommandBlocked, executable, verb)
		}
	}

	return nil
}

// stripElevation removes a single leading sudo prefix (with its flags)
// and reports whether one was present.
func stripElevation(tokens []string) (bool, []string) {
	if len(tokens) == 0 || path.Base(tokens[0]) != "sudo" {
		return false, tokens
	}

	rest := tokens[1:]
	for len(rest) > 0 {
		switch {
		case sudoFlags[rest[0]]:
			rest = rest[1:]
		case rest[0] == "-u" && len(rest) > 1:
			rest = rest[2:]
		default:
			return true, rest
		}
	}
	return true, rest
}

// firstVerb returns the first non-value-flag token after the executable.
// For apt-like tools that is the subcommand; for dpkg it is the mode flag
// itself, so flags are only skipped when a later verb candidate exists.
func firstVerb(args []string) string {
	for _, a := range args {
		if a == "-y" || a == "-q" || a == "-qq" || strings.HasPrefix(a, "--yes") ||
			strings.HasPrefix(a, "--quiet") || strings.HasPrefix(a, "--assume-yes") {
			continue
		}
		return a
	}
	return ""
}
