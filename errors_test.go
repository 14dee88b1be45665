package pgcluster_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-pgcluster"
)

func TestClientError(t *testing.T) {
	cause := errors.New("connection refused")
	err := pgcluster.NewClientError(pgcluster.ErrConnectFailed, "failed to connect", cause)

	require.Equal(t, "failed to connect (0x4000): connection refused", err.Error())
	require.ErrorIs(t, err, cause)
	require.True(t, pgcluster.IsClientError(fmt.Errorf("acquire: %w", err),
		pgcluster.ErrConnectFailed))
	require.False(t, pgcluster.IsClientError(err, pgcluster.ErrPoolClosed))
	require.False(t, pgcluster.IsClientError(cause, pgcluster.ErrConnectFailed))

	closed := pgcluster.ClientError{Code: pgcluster.ErrPoolClosed, Msg: "pool is closed"}
	require.Equal(t, "pool is closed (0x4003)", closed.Error())
	require.Nil(t, closed.Unwrap())
}

func TestClientError_Temporary(t *testing.T) {
	cases := map[uint32]bool{
		pgcluster.ErrConnectFailed:       true,
		pgcluster.ErrConnectTimeout:      true,
		pgcluster.ErrPoolOverloaded:      true,
		pgcluster.ErrPoolClosed:          false,
		pgcluster.ErrProbeTimeout:        false,
		pgcluster.ErrProbeFailed:         false,
		pgcluster.ErrTransactionFinished: false,
	}
	for code, temporary := range cases {
		err := pgcluster.NewClientError(code, "test", context.DeadlineExceeded)
		require.Equalf(t, temporary, err.Temporary(), "code 0x%x", code)
	}
}
