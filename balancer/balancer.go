// Package balancer decides whether a statement has to run on the master.
//
// A statement may carry an explicit hint at its beginning: "{{writable}}"
// or "{{non-writable}}". The hint is removed before the statement is sent.
package balancer

import (
	"fmt"
	"strings"
	"unicode"
)

type clusterMemberType string

const (
	Writable    = clusterMemberType("writable")
	NonWritable = clusterMemberType("non-writable")
)

var writablePrefixes = []string{
	"insert", "update", "delete", "merge", "upsert",
	"create", "alter", "drop", "truncate", "comment",
	"grant", "revoke", "reindex", "vacuum", "cluster", "refresh",
	"copy", "lock", "call", "do", "begin", "commit", "rollback",
	"prepare transaction", "commit prepared", "rollback prepared",
}

var nonWritablePrefixes = []string{
	"select", "with", "values", "table", "show", "explain", "fetch",
}

// Row locking clauses and data-modifying CTEs turn a read into a write.
var lockingClauses = []string{
	"for update", "for no key update", "for share", "for key share",
}

var modifyingCTE = []string{
	"insert into", "update ", "delete from",
}

// CheckIfRequiresWrite returns the statement without a routing hint and
// whether it requires the master. _default is returned for statements
// that can not be classified.
func CheckIfRequiresWrite(expr string, _default bool) (string, bool) {
	trimmedS := strings.ToLower(strings.TrimLeftFunc(expr, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}))
	nonWritableTemplate := fmt.Sprintf("{{%s}}", NonWritable)
	if isNonWritable := strings.HasPrefix(trimmedS, nonWritableTemplate); isNonWritable {
		return strings.Replace(expr, nonWritableTemplate, "", 1), false
	}

	writableTemplate := fmt.Sprintf("{{%s}}", Writable)
	if isWritable := strings.HasPrefix(trimmedS, writableTemplate); isWritable {
		return strings.Replace(expr, writableTemplate, "", 1), true
	}

	trimmedS = strings.TrimLeft(trimmedS, "(")
	for _, prefix := range nonWritablePrefixes {
		if !hasKeyword(trimmedS, prefix) {
			continue
		}
		normalized := strings.Join(strings.Fields(trimmedS), " ")
		if containsAny(normalized, lockingClauses) {
			return expr, true
		}
		if prefix == "with" && containsAny(normalized, modifyingCTE) {
			return expr, true
		}
		if prefix == "select" && strings.Contains(normalized, "nextval(") {
			return expr, true
		}
		return expr, false
	}

	for _, prefix := range writablePrefixes {
		if hasKeyword(trimmedS, prefix) {
			return expr, true
		}
	}

	return expr, _default
}

// hasKeyword reports whether s starts with the keyword followed by a non
// identifier character.
func hasKeyword(s, keyword string) bool {
	if !strings.HasPrefix(s, keyword) {
		return false
	}
	if len(s) == len(keyword) {
		return true
	}
	r := rune(s[len(keyword)])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
