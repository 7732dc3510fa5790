/*
Copyright 2025 FlowGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowguard

import (
	"github.com/shopspring/decimal"

	"github.com/flowguard-io/flowguard/model"
)

// approvalDecision is the outcome of the approval step. Escalate means a
// human must approve; the workflow doing that is out of scope here, the
// pipeline only signals it.
type approvalDecision struct {
	Escalate bool
	Detail   string
}

// evaluateApproval applies the payload's approval strategy. Under
// threshold_based, missing thresholds and any advisory guardrail violation
// both force escalation.
func evaluateApproval(spec model.ApprovalSpec, amount decimal.Decimal, advisoryViolation bool) approvalDecision {
	if !spec.Required && spec.Strategy == "" {
		return approvalDecision{}
	}

	switch spec.Strategy {
	case model.StrategyAutoApprove:
		return approvalDecision{}

	case model.StrategyAlwaysManual:
		return approvalDecision{Escalate: true, Detail: model.StrategyAlwaysManual}

	case model.StrategyThresholdBased:
		if advisoryViolation {
			return approvalDecision{Escalate: true, Detail: "advisory_guardrail"}
		}
		th := spec.Thresholds
		if th == nil {
			return approvalDecision{Escalate: true, Detail: "missing_thresholds"}
		}
		if th.RequireDualApprovalAbove.IsPositive() && amount.GreaterThan(th.RequireDualApprovalAbove) {
			return approvalDecision{Escalate: true, Detail: "dual_approval"}
		}
		if th.RequireApprovalAbove.IsPositive() && amount.GreaterThan(th.RequireApprovalAbove) {
			return approvalDecision{Escalate: true, Detail: "above_approval_threshold"}
		}
		if th.AutoApproveBelow.IsPositive() && amount.LessThan(th.AutoApproveBelow) {
			return approvalDecision{}
		}
		return approvalDecision{Escalate: true, Detail: "missing_thresholds"}

	default:
		// Unknown strategies never slip through unapproved.
		return approvalDecision{Escalate: true, Detail: "unknown_strategy"}
	}
}
