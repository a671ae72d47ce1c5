package launchenv

import "testing"

func TestIsValidIdentifier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "upper", in: "FOO", want: true},
		{name: "underscore digit", in: "_1", want: true},
		{name: "single underscore", in: "_", want: true},
		{name: "mixed", in: "XDG_DATA_DIRS2", want: true},
		{name: "lower", in: "path", want: true},
		{name: "leading digit", in: "1FOO", want: false},
		{name: "empty", in: "", want: false},
		{name: "space", in: "FOO BAR", want: false},
		{name: "percent", in: "FOO%", want: false},
		{name: "dash", in: "FOO-BAR", want: false},
		{name: "equals", in: "A=B", want: false},
		{name: "non ascii letter", in: "ÄBC", want: false},
		{name: "non ascii later", in: "ABÇ", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidIdentifier(tt.in); got != tt.want {
				t.Fatalf("IsValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsStrictlyTransmissibleValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "tab and newline", in: "a\tb\nc", want: true},
		{name: "empty", in: "", want: true},
		{name: "utf8", in: "zoë ☃", want: true},
		{name: "nul is not checked", in: "a\x00b", want: true},
		{name: "soh", in: "a\x01b", want: false},
		{name: "carriage return", in: "a\rb", want: false},
		{name: "escape", in: "\x1b[0m", want: false},
		{name: "unit separator", in: "\x1f", want: false},
		{name: "del", in: "a\x7Fb", want: false},
		{name: "space", in: " ", want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStrictlyTransmissibleValue(tt.in); got != tt.want {
				t.Fatalf("IsStrictlyTransmissibleValue(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestHasNUL(t *testing.T) {
	if HasNUL("abc") {
		t.Fatalf("unexpected NUL in plain string")
	}
	if !HasNUL("a\x00") {
		t.Fatalf("expected NUL to be detected")
	}
}
