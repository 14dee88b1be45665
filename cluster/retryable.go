package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ice-blockchain/go-pgcluster"
	"github.com/ice-blockchain/go-pgcluster/pool"
)

// RetryOpts configures retries of RetryableCluster.
type RetryOpts struct {
	// MaxElapsedTime bounds all attempts of a single call.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `yaml:"initial_interval"`
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration `yaml:"max_interval"`
}

// DefaultRetryOpts are used for zero RetryOpts fields.
var DefaultRetryOpts = RetryOpts{
	MaxElapsedTime:  5 * time.Second,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Second,
}

// Server error codes after which the statement is known to have had no
// effect.
var retryableSQLStates = map[string]bool{
	// The master has been demoted.
	pgerrcode.ReadOnlySQLTransaction: true,
	pgerrcode.SerializationFailure:   true,
	pgerrcode.DeadlockDetected:       true,
	pgerrcode.AdminShutdown:          true,
	pgerrcode.CrashShutdown:          true,
	pgerrcode.CannotConnectNow:       true,
	pgerrcode.ConnectionFailure:      true,
}

// RetryableCluster retries operations of a Cluster while the topology
// settles or the pool is temporarily overloaded.
type RetryableCluster struct {
	cluster *Cluster
	ctx     context.Context
	cancel  context.CancelFunc
	opts    RetryOpts
	logger  pgcluster.Logger
}

// NewRetryableCluster wraps the cluster. Canceling ctx stops all retries.
func NewRetryableCluster(ctx context.Context, cluster *Cluster, opts RetryOpts) *RetryableCluster {
	if opts.MaxElapsedTime <= 0 {
		opts.MaxElapsedTime = DefaultRetryOpts.MaxElapsedTime
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultRetryOpts.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultRetryOpts.MaxInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	return &RetryableCluster{
		cluster: cluster,
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		logger:  cluster.opts.Logger,
	}
}

// Cluster returns the wrapped cluster.
func (rc *RetryableCluster) Cluster() *Cluster {
	return rc.cluster
}

func (rc *RetryableCluster) Acquire(ctx context.Context, mode Mode) (*pool.Connection, error) {
	return retry[*pool.Connection](rc, ctx, func(ctx context.Context) (*pool.Connection, error) {
		return rc.cluster.Acquire(ctx, mode)
	})
}

func (rc *RetryableCluster) Begin(ctx context.Context, mode Mode, opts pgcluster.TxOptions,
	cmdCtl *pgcluster.CommandControl) (*pool.Transaction, error) {
	return retry[*pool.Transaction](rc, ctx, func(ctx context.Context) (*pool.Transaction, error) {
		return rc.cluster.Begin(ctx, mode, opts, cmdCtl)
	})
}

func (rc *RetryableCluster) Exec(ctx context.Context, sql string, args ...interface{}) (string, error) {
	return retry[string](rc, ctx, func(ctx context.Context) (string, error) {
		return rc.cluster.Exec(ctx, sql, args...)
	})
}

// Close stops pending retries and closes the cluster.
func (rc *RetryableCluster) Close() error {
	rc.cancel()
	return rc.cluster.Close()
}

func retry[T any](rc *RetryableCluster, ctx context.Context,
	impl func(ctx context.Context) (T, error)) (r T, err error) {
	if rc.ctx.Err() != nil {
		return r, rc.ctx.Err()
	}
	if r, err = impl(ctx); err == nil || !rc.shouldRetry(err) {
		return r, err
	}

	retryCtx, cancel := context.WithTimeout(rc.ctx, rc.opts.MaxElapsedTime)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// The last error of the operation is returned rather than the error of
	// the retry context.
	_ = backoff.RetryNotify(
		func() error {
			if retryCtx.Err() != nil {
				return backoff.Permanent(err)
			}
			if r, err = impl(ctx); err != nil && !rc.shouldRetry(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		rc.backoff(retryCtx),
		func(e error, next time.Duration) {
			rc.logger.Report(pgcluster.NewRetryEvent(e, next))
		},
	)
	return r, err
}

func (rc *RetryableCluster) backoff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     rc.opts.InitialInterval,
		RandomizationFactor: 0.5,
		Multiplier:          5,
		MaxInterval:         rc.opts.MaxInterval,
		MaxElapsedTime:      rc.opts.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)
}

func (rc *RetryableCluster) shouldRetry(err error) bool {
	if errors.Is(err, ErrNoMaster) || errors.Is(err, ErrNoReplica) ||
		errors.Is(err, ErrNoHealthyHost) {
		return true
	}

	var clierr pgcluster.ClientError
	if errors.As(err, &clierr) {
		return clierr.Temporary()
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLStates[pgErr.Code]
	}
	return false
}
