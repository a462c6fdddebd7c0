// Package conn owns the viewer side of one capture connection.
//
// Ownership boundary:
// - socket lifecycle (connect, port scan, teardown on target change or I/O failure)
// - the single lock that serializes every socket read, write and mutation
// - connection-state events (Connecting, Connected, Disconnected)
//
// Wire layouts live in internal/protocol; this package only moves whole frames.
package conn
