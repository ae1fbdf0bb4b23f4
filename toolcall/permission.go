package toolcall

import (
	"context"

	"github.com/m4xw311/acprelay/protocol"
)

// Permission policies applied when no client can be asked.
const (
	PolicyAllow  = "allow"
	PolicyReject = "reject"
)

// PermissionRequester asks the client whether a tool call may run.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, params protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error)
}

// PermissionRequesterFunc adapts a function to PermissionRequester.
type PermissionRequesterFunc func(ctx context.Context, params protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error)

func (f PermissionRequesterFunc) RequestPermission(ctx context.Context, params protocol.RequestPermissionParams) (*protocol.RequestPermissionResult, error) {
	return f(ctx, params)
}

// Decision is the resolved answer to a permission request.
type Decision struct {
	OptionID string
	Kind     protocol.PermissionOptionKind
	Allowed  bool
	// Cancelled is set when the client answered with the cancelled outcome,
	// usually because the turn was cancelled while it was asking.
	Cancelled bool
	// Source is "client", "policy", "remembered" or "fallback".
	Source string
}

// DefaultOptions are offered with every permission request.
func DefaultOptions() []protocol.PermissionOption {
	return []protocol.PermissionOption{
		{OptionID: string(protocol.PermissionAllowOnce), Name: "Allow", Kind: protocol.PermissionAllowOnce},
		{OptionID: string(protocol.PermissionAllowAlways), Name: "Always allow", Kind: protocol.PermissionAllowAlways},
		{OptionID: string(protocol.PermissionRejectOnce), Name: "Reject", Kind: protocol.PermissionRejectOnce},
		{OptionID: string(protocol.PermissionRejectAlways), Name: "Always reject", Kind: protocol.PermissionRejectAlways},
	}
}

func policyDecision(policy string) Decision {
	if policy == PolicyReject {
		return Decision{OptionID: string(protocol.PermissionRejectOnce), Kind: protocol.PermissionRejectOnce, Source: "policy"}
	}
	return Decision{OptionID: string(protocol.PermissionAllowOnce), Kind: protocol.PermissionAllowOnce, Allowed: true, Source: "policy"}
}

func fallbackDecision() Decision {
	return Decision{OptionID: string(protocol.PermissionRejectOnce), Kind: protocol.PermissionRejectOnce, Source: "fallback"}
}

// decide maps a client result onto the offered options. An option id the
// client made up is treated as a rejection.
func decide(result *protocol.RequestPermissionResult, options []protocol.PermissionOption) Decision {
	if result == nil {
		return fallbackDecision()
	}
	if result.Outcome.Outcome == protocol.OutcomeCancelled {
		return Decision{Kind: protocol.PermissionRejectOnce, Cancelled: true, Source: "client"}
	}
	if result.Outcome.Outcome != protocol.OutcomeSelected {
		return fallbackDecision()
	}
	for _, o := range options {
		if o.OptionID == result.Outcome.OptionID {
			return Decision{OptionID: o.OptionID, Kind: o.Kind, Allowed: o.Kind.Allows(), Source: "client"}
		}
	}
	return fallbackDecision()
}

// DefaultOutcome picks the answer this side gives when a peer asks it for
// permission: the first once-option matching the policy, then any option
// matching it, else cancelled.
func DefaultOutcome(options []protocol.PermissionOption, policy string) protocol.PermissionOutcome {
	wantAllow := policy != PolicyReject
	preferred := protocol.PermissionAllowOnce
	if !wantAllow {
		preferred = protocol.PermissionRejectOnce
	}
	for _, o := range options {
		if o.Kind == preferred {
			return protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: o.OptionID}
		}
	}
	for _, o := range options {
		if o.Kind.Allows() == wantAllow {
			return protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: o.OptionID}
		}
	}
	return protocol.PermissionOutcome{Outcome: protocol.OutcomeCancelled}
}
