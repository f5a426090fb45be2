package security

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rendis/flow/pkg/schema"
)

// MaxCommandLength bounds shell command text. Longer commands are rejected
// before any pattern inspection runs.
const MaxCommandLength = 4096

// Mode selects how a policy reacts to a dangerous-pattern match.
type Mode string

const (
	// ModeReject fails the action with a security violation.
	ModeReject Mode = "reject"
	// ModeWarn logs the finding and lets the action proceed.
	ModeWarn Mode = "warn"
)

// Policy validates shell commands, working directories, and environment
// overrides before a process is spawned.
type Policy struct {
	// DangerousCommandMode controls the reaction to known dangerous
	// patterns (recursive delete, privilege escalation, etc.).
	// Metacharacter injection and path traversal are always rejected.
	DangerousCommandMode Mode
	Logger               *slog.Logger
}

// DefaultPolicy returns a Policy that hard-rejects dangerous patterns.
func DefaultPolicy(logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		DangerousCommandMode: ModeReject,
		Logger:               logger,
	}
}

// dangerousPatterns match command classes that should not run from a
// workflow: recursive deletes, privilege escalation, package installation,
// remote shell/relay tools, and system service control.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
	regexp.MustCompile(`\brm\s+-[rf]+\s+/\S*`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+(-|root)\b`),
	regexp.MustCompile(`\bchmod\s+([0-7]*7[0-7]*7|a?\+s)\b`),
	regexp.MustCompile(`\b(apt(-get)?|yum|dnf|pacman|brew|pip3?|npm|gem)\s+(install|add)\b`),
	regexp.MustCompile(`\b(nc|ncat|netcat|socat)\b.*\b-[el]\b`),
	regexp.MustCompile(`\b(telnet|rsh)\s+\S+`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\b(systemctl|service)\s+(stop|disable|mask)\b`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
}

// injectionSequences are shell metacharacter sequences associated with
// command chaining. A single pipe is allowed when no listener tool follows.
var injectionSequences = []string{";", "&&", "||", "`", "$("}

// listenerTools must not appear downstream of a pipe.
var listenerTools = []string{"nc", "ncat", "netcat", "socat", "sh", "bash", "zsh"}

// deniedDirPrefixes are sensitive system paths a working directory may not
// reside under.
var deniedDirPrefixes = []string{
	"/etc", "/boot", "/proc", "/sys", "/dev",
	"/root", "/usr/bin", "/usr/sbin", "/bin", "/sbin", "/var/run",
}

// protectedEnvVars are overrides worth flagging: they change how the shell
// resolves binaries or authenticates.
var protectedEnvVars = map[string]bool{
	"PATH":            true,
	"HOME":            true,
	"SHELL":           true,
	"IFS":             true,
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"SSH_AUTH_SOCK":   true,
	"SUDO_ASKPASS":    true,
}

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateCommand checks command text for emptiness, size, dangerous
// patterns, and injection metacharacters. Returns a SECURITY_VIOLATION
// error on rejection.
func (p *Policy) ValidateCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return schema.NewError(schema.ErrCodeSecurity, "shell command is empty")
	}
	if len(command) > MaxCommandLength {
		return schema.NewErrorf(schema.ErrCodeSecurity,
			"shell command exceeds %d characters (%d)", MaxCommandLength, len(command))
	}

	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			if p.DangerousCommandMode == ModeWarn {
				p.Logger.Warn("dangerous command pattern allowed by policy",
					slog.String("pattern", re.String()),
					slog.String("command", command),
				)
				break
			}
			return schema.NewErrorf(schema.ErrCodeSecurity,
				"command matches dangerous pattern %q", re.String()).
				WithDetails(map[string]any{"command": command})
		}
	}

	if err := p.checkInjection(command); err != nil {
		return err
	}

	return nil
}

// checkInjection rejects chaining metacharacters. Pipes are allowed only
// when single and not feeding a listener tool.
func (p *Policy) checkInjection(command string) error {
	for _, seq := range injectionSequences {
		if strings.Contains(command, seq) {
			return schema.NewErrorf(schema.ErrCodeSecurity,
				"command contains injection sequence %q", seq).
				WithDetails(map[string]any{"command": command})
		}
	}

	if n := strings.Count(command, "|"); n > 0 {
		if n > 1 {
			return schema.NewError(schema.ErrCodeSecurity,
				"command contains multiple pipes; only a single pipe is allowed")
		}
		downstream := command[strings.IndexByte(command, '|')+1:]
		fields := strings.Fields(downstream)
		if len(fields) > 0 {
			tool := filepath.Base(fields[0])
			for _, listener := range listenerTools {
				if tool == listener {
					return schema.NewErrorf(schema.ErrCodeSecurity,
						"pipe into %q is not allowed", tool)
				}
			}
		}
	}

	return nil
}

// ValidateWorkingDir rejects parent-directory traversal and deny-listed
// system paths. An empty dir is valid (inherit the process cwd).
func (p *Policy) ValidateWorkingDir(dir string) error {
	if dir == "" {
		return nil
	}

	for _, seg := range strings.Split(filepath.ToSlash(dir), "/") {
		if seg == ".." {
			return schema.NewErrorf(schema.ErrCodeSecurity,
				"working directory %q contains parent traversal", dir)
		}
	}

	cleaned := filepath.Clean(dir)
	if filepath.IsAbs(cleaned) {
		for _, prefix := range deniedDirPrefixes {
			if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
				return schema.NewErrorf(schema.ErrCodeSecurity,
					"working directory %q is under denied path %s", dir, prefix)
			}
		}
	}

	return nil
}

// ValidateEnv checks environment overrides: names must be well-formed, values
// may not contain null bytes or newlines, and protected-variable overrides
// are logged.
func (p *Policy) ValidateEnv(env map[string]string) error {
	for name, value := range env {
		if !envNameRe.MatchString(name) {
			return schema.NewErrorf(schema.ErrCodeSecurity,
				"malformed environment variable name %q", name)
		}
		if strings.ContainsAny(value, "\x00\n\r") {
			return schema.NewErrorf(schema.ErrCodeSecurity,
				"environment variable %s value contains forbidden control characters", name)
		}
		if protectedEnvVars[name] {
			p.Logger.Warn("overriding protected environment variable",
				slog.String("name", name),
			)
		}
	}
	return nil
}
