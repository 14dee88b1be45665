package topology

import (
	"context"

	"github.com/ice-blockchain/go-pgcluster"
)

// hostConn is a dedicated link used only for probing. It is reopened on the
// next probe after it breaks.
type hostConn struct {
	dsn    pgcluster.Dsn
	dialer pgcluster.Dialer

	// sem guards conn. A probe stuck in a connection that ignores its
	// context must not hold up probes of later cycles.
	sem  chan struct{}
	conn pgcluster.Conn
}

func newHostConn(dsn pgcluster.Dsn, dialer pgcluster.Dialer) *hostConn {
	return &hostConn{dsn: dsn, dialer: dialer, sem: make(chan struct{}, 1)}
}

func (h *hostConn) lock(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hostConn) unlock() {
	<-h.sem
}

func (h *hostConn) Dsn() pgcluster.Dsn {
	return h.dsn
}

func (h *hostConn) ReplicationStatus(ctx context.Context) (pgcluster.ReplicationStatus, error) {
	if err := h.lock(ctx); err != nil {
		return pgcluster.ReplicationStatus{}, err
	}
	defer h.unlock()

	if h.conn != nil && h.conn.IsClosed() {
		_ = h.conn.Close(ctx)
		h.conn = nil
	}
	if h.conn == nil {
		conn, err := h.dialer.Dial(ctx, h.dsn)
		if err != nil {
			return pgcluster.ReplicationStatus{}, err
		}
		h.conn = conn
	}

	status, err := h.conn.ReplicationStatus(ctx)
	if err != nil && ctx.Err() != nil {
		// The status query was interrupted midway.
		_ = h.conn.Close(context.Background())
		h.conn = nil
	}
	return status, err
}

func (h *hostConn) Close(ctx context.Context) error {
	if err := h.lock(ctx); err != nil {
		return err
	}
	defer h.unlock()

	if h.conn == nil {
		return nil
	}
	err := h.conn.Close(ctx)
	h.conn = nil
	return err
}
