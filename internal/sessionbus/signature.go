package sessionbus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"envsync/internal/launchenv"
)

// Wire signatures of the three receiver shapes.
var shapeSignatures = map[launchenv.Shape]string{
	launchenv.ShapePair:        "ss",
	launchenv.ShapeMapping:     "a{ss}",
	launchenv.ShapeAssignments: "as",
}

var (
	signaturesOnce sync.Once
	signaturesErr  error
)

// EnsureSignatures checks once per process that the Go argument types used
// for each shape marshal to the signatures the receivers declare.
func EnsureSignatures() error {
	signaturesOnce.Do(func() {
		samples := map[launchenv.Shape][]any{
			launchenv.ShapePair:        {"", ""},
			launchenv.ShapeMapping:     {map[string]string{}},
			launchenv.ShapeAssignments: {[]string{}},
		}
		for shape, args := range samples {
			if got := dbus.SignatureOf(args...).String(); got != shapeSignatures[shape] {
				signaturesErr = fmt.Errorf("sessionbus: %s marshals as %q, want %q", shape, got, shapeSignatures[shape])
				return
			}
		}
	})
	return signaturesErr
}

// checkArgs verifies req.Args against the receiver's shape before anything
// goes on the wire.
func checkArgs(req launchenv.Request) error {
	want, ok := shapeSignatures[req.Receiver.Shape]
	if !ok {
		return fmt.Errorf("sessionbus: unknown shape %s", req.Receiver.Shape)
	}
	if got := dbus.SignatureOf(req.Args...).String(); got != want {
		return fmt.Errorf("sessionbus: %s arguments have signature %q, want %q", req.Receiver.Name, got, want)
	}
	for _, a := range req.Args {
		if argsHaveNUL(a) {
			return ErrEmbeddedNUL
		}
	}
	return nil
}

func argsHaveNUL(a any) bool {
	switch v := a.(type) {
	case string:
		return launchenv.HasNUL(v)
	case []string:
		for _, s := range v {
			if launchenv.HasNUL(s) {
				return true
			}
		}
	case map[string]string:
		for k, s := range v {
			if launchenv.HasNUL(k) || launchenv.HasNUL(s) {
				return true
			}
		}
	}
	return false
}
