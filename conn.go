// Package with abstractions shared by the PostgreSQL cluster connectivity
// layer: a single database link, its descriptor, command control settings,
// client errors and logging.
package pgcluster

import (
	"context"
	"time"
)

// Row is the result of a single-row query. Scan copies the columns of the
// row into dest.
type Row interface {
	Scan(dest ...interface{}) error
}

// ReplicationStatus is a state of a host as reported by the host itself.
type ReplicationStatus struct {
	// InRecovery is true when the host replays WAL from another host, i.e.
	// it is a read-only replica.
	InRecovery bool
	// Lag is the replay lag of a replica. It is meaningful only when
	// LagKnown is true.
	Lag      time.Duration
	LagKnown bool
	// SessionName is the name the host uses as a replication client
	// (cluster_name). It may be empty.
	SessionName string
	// SyncStandbys contains names of synchronous (or quorum) standbys
	// attached to a primary.
	SyncStandbys []string
}

// Conn is a generic link to a PostgreSQL host.
//
// A Conn is never used by two goroutines at the same time: the pool hands
// it out exclusively.
type Conn interface {
	// Exec executes a statement and returns its command tag.
	Exec(ctx context.Context, sql string, args ...interface{}) (string, error)
	// QueryRow executes a statement expected to return at most one row.
	// Errors are deferred until Row.Scan is called.
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	// ReplicationStatus issues a lightweight status query to find out
	// whether the host is in recovery and how far behind it is.
	ReplicationStatus(ctx context.Context) (ReplicationStatus, error)
	// IsClosed reports whether the link is closed or broken.
	IsClosed() bool
	// Close closes the link.
	Close(ctx context.Context) error
}

// Dialer is the interface that wraps a method to open a link to a host.
// The main idea is to provide a ready-to-work connection with successful
// authorization.
type Dialer interface {
	// Dial connects to the host described by dsn. The dial must be aborted
	// when ctx is done.
	Dial(ctx context.Context, dsn Dsn) (Conn, error)
}

// DialerFunc is an adapter to allow the use of ordinary functions as
// Dialer.
type DialerFunc func(ctx context.Context, dsn Dsn) (Conn, error)

// Dial calls f(ctx, dsn).
func (f DialerFunc) Dial(ctx context.Context, dsn Dsn) (Conn, error) {
	return f(ctx, dsn)
}
