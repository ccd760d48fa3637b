package domain

// Waypoint maps an inbound host to the backend base the gateway forwards to, replacing the base
// that would otherwise be derived from the host itself.
type Waypoint struct {
	Hostname string // Inbound host as sent in the Host header, with the port if one was sent
	Override string // Backend base, scheme and host, for example "http://127.0.0.1:8000"
}
