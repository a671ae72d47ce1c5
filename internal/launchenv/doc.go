// Package launchenv pushes an environment snapshot to the session services
// that launch applications (the D-Bus activation environment, the systemd
// user manager and the legacy KDE launchers).
//
// A Job validates every variable, fans out one request per receiver and
// reports completion exactly once, after every request has resolved. Remote
// failures never fail the job: propagation is best effort and the only
// terminal outcome is "finished".
//
// The package does not talk to the bus itself. Requests go through a
// Dispatcher; internal/sessionbus provides the D-Bus implementation.
package launchenv
