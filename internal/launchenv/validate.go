package launchenv

import "strings"

// IsValidIdentifier reports whether name can be sent as an environment
// variable name. Only ASCII letters, digits and '_' are accepted and the
// first character must not be a digit; this is what systemd accepts, and
// POSIX-tolerated characters such as '%' break consumers in practice.
func IsValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', isASCIILetter(c):
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// IsStrictlyTransmissibleValue reports whether value passes systemd's
// control character check: no byte in 1..31 except '\t' and '\n', and no DEL.
// NUL is not checked here; see HasNUL.
func IsStrictlyTransmissibleValue(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\n' || c == '\t' {
			continue
		}
		if c > 0 && c < ' ' {
			return false
		}
		if c == 127 {
			return false
		}
	}
	return true
}

// HasNUL reports whether s contains an embedded NUL byte. D-Bus strings
// cannot carry one.
func HasNUL(s string) bool { return strings.IndexByte(s, 0) >= 0 }

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
