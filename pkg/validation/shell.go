package validation

import "strings"

// EscapeShellArg escapes arg for safe inclusion in a shell command
// line. Arguments composed entirely of the safe character set are
// returned unquoted; everything else is wrapped in single quotes with
// embedded single quotes escaped via the standard '\'' technique.
// Mirrors validation.rs's escape_shell_arg and the teacher's
// OSCommand.Quote, generalized to use the allowlist rather than
// platform-specific quoting.
func EscapeShellArg(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.ContainsRune(arg, 0) {
		return "''"
	}
	if isSafeShellArg(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func isSafeShellArg(arg string) bool {
	for _, r := range arg {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':':
		default:
			return false
		}
	}
	return true
}

// EscapeShellArgs escapes a slice of arguments and joins them with spaces.
func EscapeShellArgs(args []string) string {
	escaped := make([]string, len(args))
	for i, a := range args {
		escaped[i] = EscapeShellArg(a)
	}
	return strings.Join(escaped, " ")
}
