package pgcluster

import (
	"strings"
	"time"
)

// CommandControl limits the time a statement may take.
type CommandControl struct {
	// ExecuteTimeout bounds a single statement on the client side when the
	// caller context carries no deadline. Zero means no limit.
	ExecuteTimeout time.Duration
	// StatementTimeout is sent to the server as statement_timeout when a
	// transaction starts. Zero keeps the server default.
	StatementTimeout time.Duration
}

// DefaultCommandControl is used by pools created without an explicit
// command control.
var DefaultCommandControl = CommandControl{
	ExecuteTimeout:   time.Second,
	StatementTimeout: 0,
}

// IsoLevel is a transaction isolation level.
type IsoLevel string

const (
	// The server default isolation level is used.
	DefaultIsoLevel IsoLevel = ""
	ReadCommitted   IsoLevel = "READ COMMITTED"
	RepeatableRead  IsoLevel = "REPEATABLE READ"
	Serializable    IsoLevel = "SERIALIZABLE"
)

// TxOptions configures a transaction.
type TxOptions struct {
	IsoLevel   IsoLevel
	ReadOnly   bool
	Deferrable bool
}

// BeginStatement renders the statement that starts a transaction with the
// options.
func (o TxOptions) BeginStatement() string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if o.IsoLevel != DefaultIsoLevel {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(string(o.IsoLevel))
	}
	if o.ReadOnly {
		b.WriteString(" READ ONLY")
	}
	// DEFERRABLE has an effect only for serializable read-only transactions.
	if o.Deferrable && o.ReadOnly && o.IsoLevel == Serializable {
		b.WriteString(" DEFERRABLE")
	}
	return b.String()
}
