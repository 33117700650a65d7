package store

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseID splits an entry id. Ids take the "<ms>-<seq>" form used by Redis
// or are plain decimals, whose sequence is 0. Anything else is an error.
func ParseID(id string) (ms, seq uint64, err error) {
	head, tail, hasSeq := strings.Cut(id, "-")
	ms, err = strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid entry id %q", id)
	}
	if hasSeq {
		seq, err = strconv.ParseUint(tail, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid entry id %q", id)
		}
	}
	return ms, seq, nil
}

// ValidID reports whether ParseID accepts id.
func ValidID(id string) bool {
	_, _, err := ParseID(id)
	return err == nil
}

// CompareIDs orders two entry ids. It returns -1, 0 or +1. Ids ParseID
// rejects sort before every valid id; callers validate cursors first.
func CompareIDs(a, b string) int {
	am, as, aerr := ParseID(a)
	bm, bs, berr := ParseID(b)
	switch {
	case aerr != nil || berr != nil:
		return boolCompare(aerr == nil, berr == nil)
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	default:
		return 1
	}
}

// LastID returns the id of the last entry, or fallback for an empty slice.
func LastID(entries []Entry, fallback string) string {
	if len(entries) == 0 {
		return fallback
	}
	return entries[len(entries)-1].ID
}
