// Package domain defines the request-scoped data structures shared by the gateway, the client and
// the commands: uploads, analysis results, usage snapshots, the backend error envelope and the
// waypoint overrides used to resolve a backend base.
//
// Nothing in this package is persisted. Every value lives for the duration of one request and the
// schemas of backend payloads are owned by the backend, so decoding is lenient: unknown fields are
// kept verbatim and malformed optional fields are dropped rather than rejected.
package domain
