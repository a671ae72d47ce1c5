// Package sessionbus is the D-Bus side of envsync: it turns launchenv
// requests into asynchronous method calls on the user's session bus and
// reads back what the systemd user manager currently holds.
package sessionbus
