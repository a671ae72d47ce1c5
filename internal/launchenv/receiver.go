package launchenv

import (
	"errors"
	"fmt"
	"strings"
)

// Shape is the argument layout a receiver method expects.
type Shape int

const (
	// ShapePair sends (name, value) as two strings.
	ShapePair Shape = iota
	// ShapeMapping sends the whole batch as a{ss}.
	ShapeMapping
	// ShapeAssignments sends the batch as an array of "NAME=VALUE" strings.
	ShapeAssignments
)

func (s Shape) String() string {
	switch s {
	case ShapePair:
		return "pair"
	case ShapeMapping:
		return "mapping"
	case ShapeAssignments:
		return "assignments"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Receiver addresses one remote method on the session bus.
type Receiver struct {
	Name        string // short label used in logs and reports
	Destination string // well-known bus name
	Path        string
	Interface   string
	Method      string
	Shape       Shape
	Disabled    bool
}

// Member returns the fully qualified "Interface.Method".
func (r Receiver) Member() string { return r.Interface + "." + r.Method }

func (r Receiver) String() string {
	return r.Name + "(" + r.Destination + " " + r.Path + " " + r.Member() + ")"
}

func (r Receiver) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Destination) == "" {
		missing = append(missing, "destination")
	}
	if !strings.HasPrefix(r.Path, "/") {
		missing = append(missing, "path")
	}
	if strings.TrimSpace(r.Interface) == "" {
		missing = append(missing, "interface")
	}
	if strings.TrimSpace(r.Method) == "" {
		missing = append(missing, "method")
	}
	if len(missing) > 0 {
		return fmt.Errorf("receiver %q: missing or invalid %s", r.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Receivers is the set of services one job writes to.
//
// Legacy receivers get one (name, value) request per valid variable. Bulk
// gets a single mapping with every valid variable. Strict gets a single
// NAME=VALUE list restricted to values passing IsStrictlyTransmissibleValue.
type Receivers struct {
	Legacy []Receiver
	Bulk   Receiver
	Strict Receiver
}

const (
	ReceiverKLauncher  = "klauncher"
	ReceiverStartup    = "startup"
	ReceiverActivation = "activation"
	ReceiverSystemd    = "systemd"
)

// DefaultReceivers returns the receivers of a Plasma session.
func DefaultReceivers() Receivers {
	return Receivers{
		Legacy: []Receiver{
			{
				Name:        ReceiverKLauncher,
				Destination: "org.kde.klauncher5",
				Path:        "/KLauncher",
				Interface:   "org.kde.KLauncher",
				Method:      "setLaunchEnv",
				Shape:       ShapePair,
			},
			{
				Name:        ReceiverStartup,
				Destination: "org.kde.Startup",
				Path:        "/Startup",
				Interface:   "org.kde.Startup",
				Method:      "updateLaunchEnv",
				Shape:       ShapePair,
			},
		},
		Bulk: Receiver{
			Name:        ReceiverActivation,
			Destination: "org.freedesktop.DBus",
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Method:      "UpdateActivationEnvironment",
			Shape:       ShapeMapping,
		},
		Strict: Receiver{
			Name:        ReceiverSystemd,
			Destination: "org.freedesktop.systemd1",
			Path:        "/org/freedesktop/systemd1",
			Interface:   "org.freedesktop.systemd1.Manager",
			Method:      "SetEnvironment",
			Shape:       ShapeAssignments,
		},
	}
}

// All returns every receiver, enabled or not, legacy first.
func (rs Receivers) All() []Receiver {
	out := make([]Receiver, 0, len(rs.Legacy)+2)
	out = append(out, rs.Legacy...)
	return append(out, rs.Bulk, rs.Strict)
}

// Validate checks every enabled receiver and the shapes of the batch receivers.
func (rs Receivers) Validate() error {
	var errs []error
	for _, r := range rs.All() {
		if r.Disabled {
			continue
		}
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range rs.Legacy {
		if !r.Disabled && r.Shape != ShapePair {
			errs = append(errs, fmt.Errorf("receiver %q: legacy receivers take a pair, got %s", r.Name, r.Shape))
		}
	}
	if !rs.Bulk.Disabled && rs.Bulk.Shape != ShapeMapping {
		errs = append(errs, fmt.Errorf("receiver %q: bulk receiver takes a mapping, got %s", rs.Bulk.Name, rs.Bulk.Shape))
	}
	if !rs.Strict.Disabled && rs.Strict.Shape != ShapeAssignments {
		errs = append(errs, fmt.Errorf("receiver %q: strict receiver takes assignments, got %s", rs.Strict.Name, rs.Strict.Shape))
	}
	return errors.Join(errs...)
}

// Request is one outgoing call. Args are already shaped for the receiver:
// (string, string), (map[string]string) or ([]string).
type Request struct {
	Receiver Receiver
	Args     []any
}

func pairRequest(r Receiver, name, value string) Request {
	return Request{Receiver: r, Args: []any{name, value}}
}

func mappingRequest(r Receiver, vars map[string]string) Request {
	return Request{Receiver: r, Args: []any{vars}}
}

func assignmentsRequest(r Receiver, assignments []string) Request {
	return Request{Receiver: r, Args: []any{assignments}}
}
