package cluster

import (
	"fmt"
	"strings"
)

/*
Default mode for each statement table:

	  Statement          Default mode
	-------------------- --------------
	| select/with/values | PreferRO    |
	| insert/update/...  | RW          |
	| ddl                | RW          |
	| unknown            | RW          |
*/
type Mode uint32

const (
	ANY      Mode = iota // The statement can be executed on any host (master or replica).
	RW                   // The statement can only be executed on master.
	RO                   // The statement can only be executed on replica.
	PreferRW             // If there is one, otherwise fallback to a read only one (replica).
	PreferRO             // If there is one, otherwise fallback to a writeable one (master).
	SyncRO               // The statement can only be executed on a synchronous replica.
)

var modeNames = map[Mode]string{
	ANY:      "any",
	RW:       "rw",
	RO:       "ro",
	PreferRW: "prefer_rw",
	PreferRO: "prefer_ro",
	SyncRO:   "sync_ro",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", uint32(m))
}

// UnmarshalText parses a mode name, e.g. "prefer_ro".
func (m *Mode) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for mode, modeName := range modeNames {
		if modeName == name {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", string(text))
}

// MarshalText returns the mode name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
