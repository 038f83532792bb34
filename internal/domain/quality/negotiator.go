// Package quality decides which video quality a caller may play.
//
// Everything here is pure: the same inputs always produce the same
// Decision, nothing is logged and nothing outside the arguments is read.
// Callers (the player session) log and count decisions.
package quality

import (
	"slices"
	"strconv"
)

// Reason explains how a Decision was reached.
type Reason string

const (
	ReasonGranted                       Reason = "GRANTED"
	ReasonDowngradedRequiresLogin       Reason = "DOWNGRADED_REQUIRES_LOGIN"
	ReasonDowngradedRequiresEntitlement Reason = "DOWNGRADED_REQUIRES_ENTITLEMENT"
)

// Gate is the result of checking a single quality id against a caller.
type Gate int

const (
	GatePermitted Gate = iota
	GateRequiresLogin
	GateRequiresEntitlement
)

func (g Gate) String() string {
	switch g {
	case GatePermitted:
		return "permitted"
	case GateRequiresLogin:
		return "requires_login"
	case GateRequiresEntitlement:
		return "requires_entitlement"
	default:
		return "unknown"
	}
}

// Default thresholds. Ids above EntitlementThreshold need entitlement,
// ids above AuthThreshold need an authenticated caller.
const (
	DefaultAuthThreshold        = 64
	DefaultEntitlementThreshold = 80
	DefaultBaselineID           = 64
)

// Decision is the immutable outcome of one negotiation.
type Decision struct {
	RequestedID    int    `json:"requestedId"`
	GrantedID      int    `json:"grantedId"`
	Reason         Reason `json:"reason"`
	RequestedLabel string `json:"requestedLabel"`
	GrantedLabel   string `json:"grantedLabel"`
}

// Downgraded reports whether the caller got something other than what they asked for.
func (d Decision) Downgraded() bool {
	return d.Reason != ReasonGranted
}

// WithGranted returns a copy of d with a different granted id, used when the
// media source itself falls back to another quality.
func (d Decision) WithGranted(id int) Decision {
	d.GrantedID = id
	d.GrantedLabel = Label(id)
	return d
}

// Policy holds the gate thresholds.
type Policy struct {
	AuthThreshold        int
	EntitlementThreshold int
	BaselineID           int
}

// DefaultPolicy returns the stock gate thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AuthThreshold:        DefaultAuthThreshold,
		EntitlementThreshold: DefaultEntitlementThreshold,
		BaselineID:           DefaultBaselineID,
	}
}

// Check applies the gates to one id. The entitlement gate is evaluated first.
func (p Policy) Check(id int, authenticated, entitled bool) Gate {
	switch {
	case id > p.EntitlementThreshold && !entitled:
		return GateRequiresEntitlement
	case id > p.AuthThreshold && !authenticated:
		return GateRequiresLogin
	default:
		return GatePermitted
	}
}

// Negotiate picks the quality to grant for requested given the available ids.
func (p Policy) Negotiate(requested int, available []int, authenticated, entitled bool) Decision {
	d := Decision{
		RequestedID:    requested,
		RequestedLabel: Label(requested),
	}

	gate := p.Check(requested, authenticated, entitled)
	if gate == GatePermitted {
		d.GrantedID = requested
		d.GrantedLabel = d.RequestedLabel
		d.Reason = ReasonGranted
		return d
	}

	if gate == GateRequiresEntitlement {
		d.Reason = ReasonDowngradedRequiresEntitlement
	} else {
		d.Reason = ReasonDowngradedRequiresLogin
	}

	granted := p.bestPermitted(available, authenticated, entitled)
	d.GrantedID = granted
	d.GrantedLabel = Label(granted)
	return d
}

// MaxAvailable returns the best quality this caller may have from available.
func (p Policy) MaxAvailable(available []int, authenticated, entitled bool) int {
	return p.bestPermitted(available, authenticated, entitled)
}

func (p Policy) bestPermitted(available []int, authenticated, entitled bool) int {
	if len(available) == 0 {
		return p.BaselineID
	}

	sorted := slices.Clone(available)
	slices.SortFunc(sorted, func(a, b int) int { return b - a })

	for _, id := range sorted {
		if p.Check(id, authenticated, entitled) == GatePermitted {
			return id
		}
	}
	// Nothing permitted: fall back to the lowest offered quality.
	return sorted[len(sorted)-1]
}

var labels = map[int]string{
	127: "8K",
	126: "Dolby Vision",
	125: "HDR",
	120: "4K",
	116: "1080P60",
	112: "1080P+",
	80:  "1080P",
	74:  "720P60",
	64:  "720P",
	32:  "480P",
	16:  "360P",
}

// Label returns the human-facing name of a quality id.
func Label(id int) string {
	if l, ok := labels[id]; ok {
		return l
	}
	return strconv.Itoa(id) + "P"
}
