// Package session tracks connected participants. The Directory maps each
// participant id to the channel its messages are written to; the optional
// Redis Store mirrors presence (idle, matching, in a room) for other server
// instances and dashboards.
package session
