// Package errpolicy maps step failures to recovery actions and runs the
// quadratic retry schedule.
package errpolicy

import (
	"github.com/xerilium/catalyst/internal/config"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// DefaultAction applies when no policy is set anywhere.
const DefaultAction = config.ActionStop

// Decision is the resolved rule for one failure.
type Decision struct {
	Action     config.PolicyAction
	RetryCount int
}

// Retries reports whether the decision asks for any retry at all. Ignore
// never retries.
func (d Decision) Retries() bool {
	return d.RetryCount > 0 && d.Action != config.ActionIgnore
}

// Terminal reports whether the action ends the step loop.
func (d Decision) Terminal() bool {
	switch d.Action {
	case config.ActionStop, config.ActionBreak, config.ActionSuspend, config.ActionInquire:
		return true
	}
	return false
}

// Suspends reports whether the action leaves the run resumable.
func (d Decision) Suspends() bool {
	return d.Action == config.ActionSuspend || d.Action == config.ActionInquire
}

// Decide resolves the rule for an error code. A token policy applies its
// action with no retries. A map policy uses the entry for code, else the
// default entry. A nil policy, or a map without a usable entry, stops.
func Decide(code string, policy *config.ErrorPolicy) Decision {
	if policy == nil {
		return Decision{Action: DefaultAction}
	}
	if policy.IsToken() {
		if !policy.Action.Valid() {
			return Decision{Action: DefaultAction}
		}
		return Decision{Action: policy.Action}
	}
	rule, ok := policy.Rules[code]
	if !ok {
		rule, ok = policy.Rules[config.DefaultRuleKey]
	}
	if !ok || !rule.Action.Valid() {
		return Decision{Action: DefaultAction}
	}
	n := rule.RetryCount
	if n < 0 {
		n = 0
	}
	return Decision{Action: rule.Action, RetryCount: n}
}

// Evaluate returns the action policy prescribes for err.
func Evaluate(err error, policy *config.ErrorPolicy) config.PolicyAction {
	return Decide(caterrors.CodeOf(err), policy).Action
}

// RetryCount returns how many retries policy grants for err.
func RetryCount(err error, policy *config.ErrorPolicy) int {
	return Decide(caterrors.CodeOf(err), policy).RetryCount
}

// Effective picks the first non-nil policy: the step's own, then the
// playbook's, then the engine default.
func Effective(policies ...*config.ErrorPolicy) *config.ErrorPolicy {
	for _, p := range policies {
		if p != nil {
			return p
		}
	}
	return config.TokenPolicy(DefaultAction)
}
