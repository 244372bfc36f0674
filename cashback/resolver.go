package cashback

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CYCLE RESOLVER - Pure (policy, reference date, offset) -> window + tag
// =============================================================================

// cycleNamespace scopes the name-based UUIDs used as cycle IDs.
var cycleNamespace = uuid.MustParse("6f1c3c9e-3b0e-5b8a-9d7e-2a4f6c1d8e55")

// ResolveCycle returns the cycle containing ref shifted by offset whole
// cycles. Offset 0 is always the cycle containing ref.
func ResolveCycle(p Policy, ref time.Time, offset int) (CycleWindow, error) {
	if err := p.Validate(); err != nil {
		return CycleWindow{}, err
	}
	period, err := p.Cycle.PeriodFor(ref, offset)
	if err != nil {
		return CycleWindow{}, &ConfigurationError{AccountID: p.AccountID, Reason: "resolve cycle", Err: err}
	}
	return CycleWindow{Period: period, Tag: p.Cycle.Tag(period)}, nil
}

// ResolveTag decodes a tag previously produced by ResolveCycle.
func ResolveTag(p Policy, tag string) (CycleWindow, error) {
	if err := p.Validate(); err != nil {
		return CycleWindow{}, err
	}
	period, err := p.Cycle.PeriodForTag(tag)
	if err != nil {
		return CycleWindow{}, &ConfigurationError{AccountID: p.AccountID, Reason: "resolve tag " + tag, Err: err}
	}
	return CycleWindow{Period: period, Tag: tag}, nil
}

// CycleIDFor derives the stable ID of an (account, tag) cycle. The same
// inputs always produce the same ID, so recomputes address the same row.
func CycleIDFor(accountID AccountID, tag string) CycleID {
	return CycleID(uuid.NewSHA1(cycleNamespace, cycleKey(accountID, tag)).String())
}

// cycleKey length-prefixes the account so no (account, tag) pair encodes
// the same bytes as another.
func cycleKey(accountID AccountID, tag string) []byte {
	return []byte(strconv.Itoa(len(accountID)) + ":" + string(accountID) + tag)
}
