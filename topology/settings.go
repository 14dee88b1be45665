package topology

import (
	"fmt"
	"time"

	"github.com/ice-blockchain/go-pgcluster"
)

var (
	ErrEmptyTargets = fmt.Errorf("%w: targets should not be empty",
		pgcluster.ErrConfiguration)
	ErrNilDialer = fmt.Errorf("%w: dialer should not be nil",
		pgcluster.ErrConfiguration)
	ErrWrongRefreshInterval = fmt.Errorf("%w: wrong refresh interval, must be greater than 0",
		pgcluster.ErrConfiguration)
	ErrWrongProbeDeadline = fmt.Errorf("%w: wrong probe deadline, must be greater than 0",
		pgcluster.ErrConfiguration)
)

// Settings are read once at the start of every detection cycle.
type Settings struct {
	// MaxReplicationLag excludes replicas lagging further behind. A
	// negative value excludes all replicas.
	MaxReplicationLag time.Duration `yaml:"max_replication_lag"`
	// ProbeDeadline bounds the probing of all hosts in a cycle.
	ProbeDeadline time.Duration `yaml:"probe_deadline"`
}

// DefaultSettings are reasonable settings for a small cluster.
var DefaultSettings = Settings{
	MaxReplicationLag: 60 * time.Second,
	ProbeDeadline:     time.Second,
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.ProbeDeadline <= 0 {
		return ErrWrongProbeDeadline
	}
	return nil
}

// Handler is notified about role changes of hosts.
type Handler interface {
	// Changed is called after a new topology is published for every host
	// whose role differs from the previous topology. Calls are made from
	// the detection goroutine one at a time, so a slow handler delays the
	// next cycle.
	Changed(index int, dsn pgcluster.Dsn, oldRole, newRole HostRole)
}

// Opts provides additional options (configurable via New and Connect).
type Opts struct {
	// RefreshInterval is the period of detection cycles.
	RefreshInterval time.Duration
	// Handler provides an ability to handle role changes.
	Handler Handler
	// Logger receives detector events. Nil means the default slog logger.
	Logger pgcluster.Logger
}
