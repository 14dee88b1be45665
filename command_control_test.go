package pgcluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-pgcluster"
)

func TestTxOptions_BeginStatement(t *testing.T) {
	cases := []struct {
		opts     pgcluster.TxOptions
		expected string
	}{
		{pgcluster.TxOptions{}, "BEGIN"},
		{pgcluster.TxOptions{IsoLevel: pgcluster.ReadCommitted}, "BEGIN ISOLATION LEVEL READ COMMITTED"},
		{pgcluster.TxOptions{ReadOnly: true}, "BEGIN READ ONLY"},
		{
			pgcluster.TxOptions{IsoLevel: pgcluster.Serializable, ReadOnly: true, Deferrable: true},
			"BEGIN ISOLATION LEVEL SERIALIZABLE READ ONLY DEFERRABLE",
		},
		{
			pgcluster.TxOptions{IsoLevel: pgcluster.RepeatableRead, ReadOnly: true, Deferrable: true},
			"BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY",
		},
		{pgcluster.TxOptions{Deferrable: true}, "BEGIN"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, tc.opts.BeginStatement())
	}
}
