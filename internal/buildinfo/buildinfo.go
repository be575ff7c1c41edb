// Package buildinfo provides the client identification string this node
// reports in its status snapshot and startup log line.
package buildinfo

// Version identifies this implementation to peers and operators. Bump it
// when wire-visible behavior changes in a way other nodes could care about.
const Version = "dignode/0.1"
