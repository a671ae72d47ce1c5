// Package propagate runs launch environment jobs on demand and keeps the
// session in sync while `envsync watch` is running.
package propagate
