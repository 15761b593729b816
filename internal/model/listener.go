// Package model holds the data types shared across sniffler's runtime,
// mock store, and persistence layers: listeners, connections,
// operations, mocks, and settings.
package model

import "time"

// Protocol identifies the wire protocol a Listener speaks.
type Protocol string

const (
	ProtocolHTTP       Protocol = "http"
	ProtocolPostgreSQL Protocol = "postgresql"
	ProtocolMySQL      Protocol = "mysql"
	ProtocolSQLServer  Protocol = "sqlserver"
	ProtocolMongoDB    Protocol = "mongodb"
	ProtocolRedis      Protocol = "redis"
)

// Database reports whether the protocol is one of the database wire
// protocols rather than HTTP. Database listeners are persisted under
// the database/ subtree of the data directory.
func (p Protocol) Database() bool {
	switch p {
	case ProtocolPostgreSQL, ProtocolMySQL, ProtocolSQLServer, ProtocolMongoDB, ProtocolRedis:
		return true
	default:
		return false
	}
}

// RunState is the lifecycle state of a Listener.
type RunState string

const (
	StateCreated RunState = "created"
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
)

// Counters holds the monotonic aggregate counters a Listener tracks.
// ActiveConnections is the sole non-monotonic field.
type Counters struct {
	Total             int64 `json:"total"`
	Successful        int64 `json:"successful"`
	Failed            int64 `json:"failed"`
	MocksServed       int64 `json:"mocksServed"`
	ActiveConnections int64 `json:"activeConnections"`
}

// Listener is a named configuration bound to a local port and an
// upstream host:port pair.
type Listener struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Port            int       `json:"port"`
	UpstreamHost    string    `json:"upstreamHost"`
	UpstreamPort    int       `json:"upstreamPort"`
	Protocol        Protocol  `json:"protocol"`
	Outgoing        bool      `json:"outgoing,omitempty"`
	State           RunState  `json:"state"`
	AutoStart       bool      `json:"autoStart"`
	WasRunning      bool      `json:"wasRunning"`
	CreatedAt       time.Time `json:"createdAt"`
	LastStartedAt   time.Time `json:"lastStartedAt,omitempty"`
	Counters        Counters  `json:"counters"`
}

// System is a distinct external upstream fronted by one or more
// outgoing listeners, persisted to outgoing/systems.json. It is
// derived from the outgoing listener set, never stored independently.
type System struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SelfLoop reports whether the listener's upstream target is itself,
// the circular-loop guard applied at start.
func (l *Listener) SelfLoop() bool {
	if l.UpstreamPort != l.Port {
		return false
	}
	switch l.UpstreamHost {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	default:
		return false
	}
}

// AutoStartEffective implements the auto-start precedence rule:
//
//	auto_start_effective = global_autostart AND (per_proxy.auto_start != false)
//	                        AND (per_proxy.was_running OR per_proxy.auto_start = true)
func AutoStartEffective(globalAutostart bool, l *Listener) bool {
	// AutoStart is a plain bool (no tri-state undefined), so
	// "auto_start != false" collapses to "auto_start == true", which
	// already implies the final OR clause.
	return globalAutostart && (l.AutoStart || l.WasRunning)
}
