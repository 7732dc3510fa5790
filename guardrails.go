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
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/model"
)

// GuardrailChecker enforces numeric financial and outbound limits via shared
// Redis counters. Counter values that are missing or non-numeric read as
// zero: guardrails are a safety net layered behind rule authorization, so a
// corrupt counter fails open instead of halting automation. Store-level read
// failures still propagate and fail closed like every other coordination
// read.
type GuardrailChecker struct {
	redis redis.UniversalClient
}

func NewGuardrailChecker(client redis.UniversalClient) *GuardrailChecker {
	return &GuardrailChecker{redis: client}
}

// Guardrail identifiers carried in violations and events.
const (
	GuardrailSupplierOrderCount = "supplier_order_count"
	GuardrailDailySpendCeiling  = "daily_spend_ceiling"
	GuardrailSingleOrderCeiling = "single_order_ceiling"
	GuardrailConsolidation      = "consolidation_ceiling"
	GuardrailDualApproval       = "dual_approval_required"
	GuardrailFollowUpCount      = "follow_up_order_count"
	GuardrailOutboundDuplicate  = "duplicate_outbound_message"
	GuardrailDomainNotAllowed   = "recipient_domain_not_allowed"
	GuardrailInternalDomain     = "internal_domain_blocked"
	GuardrailRecipientRate      = "recipient_rate_ceiling"
	GuardrailHourlyActionCount  = "hourly_action_ceiling"
)

// Recipient domains that outbound mail may never target regardless of the
// tenant allow-list.
var reservedDomainSuffixes = []string{".internal", ".local", "localhost"}

func supplierOrdersKey(tenantID, supplierID string) string {
	return fmt.Sprintf("flowguard:guardrail:%s:supplier_orders:%s", tenantID, supplierID)
}

func dailySpendKey(tenantID string, day string) string {
	return fmt.Sprintf("flowguard:guardrail:%s:daily_spend:%s", tenantID, day)
}

func followUpOrdersKey(tenantID, supplierID string) string {
	return fmt.Sprintf("flowguard:guardrail:%s:follow_up_orders:%s", tenantID, supplierID)
}

func outboundMarkerKey(tenantID, dedupKey string) string {
	return fmt.Sprintf("flowguard:guardrail:%s:outbound_sent:%s", tenantID, dedupKey)
}

func recipientRateKey(tenantID, recipient, day string) string {
	return fmt.Sprintf("flowguard:guardrail:%s:recipient_emails:%s:%s", tenantID, recipient, day)
}

func hourlyActionsKey(tenantID, hour string) string {
	return fmt.Sprintf("flowguard:guardrail:%s:hourly_actions:%s", tenantID, hour)
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// counterValue reads a plain scalar counter. Missing and unparseable values
// collapse to zero so no guardrail trips on garbage data.
func (g *GuardrailChecker) counterValue(ctx context.Context, key string) (int64, error) {
	raw, err := g.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "guardrail counter read failed", err)
	}
	n, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if parseErr != nil {
		return 0, nil
	}
	return n, nil
}

// amountValue reads a cumulative monetary counter with the same
// parse-or-zero tolerance.
func (g *GuardrailChecker) amountValue(ctx context.Context, key string) (decimal.Decimal, error) {
	raw, err := g.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "guardrail counter read failed", err)
	}
	amount, parseErr := decimal.NewFromString(strings.TrimSpace(raw))
	if parseErr != nil {
		return decimal.Zero, nil
	}
	return amount, nil
}

// CheckGuardrails runs the guardrail family bound to the action type. Action
// types outside both families pass trivially with zero reads. A zero-value
// limit skips its guardrail.
func (g *GuardrailChecker) CheckGuardrails(ctx context.Context, actionType model.ActionType, tenantID string, actionCtx model.ActionContext, limits model.GuardrailLimits) ([]model.GuardrailViolation, error) {
	switch actionType {
	case model.ActionCreatePurchaseOrder, model.ActionCreateFollowUpOrder:
		return g.checkFinancial(ctx, actionType, tenantID, actionCtx, limits)
	case model.ActionSendSupplierEmail:
		return g.checkOutbound(ctx, tenantID, actionCtx, limits)
	default:
		return nil, nil
	}
}

func (g *GuardrailChecker) checkFinancial(ctx context.Context, actionType model.ActionType, tenantID string, actionCtx model.ActionContext, limits model.GuardrailLimits) ([]model.GuardrailViolation, error) {
	var violations []model.GuardrailViolation
	now := time.Now()

	if limits.MaxOrdersPerSupplier > 0 && actionCtx.SupplierID != "" {
		count, err := g.counterValue(ctx, supplierOrdersKey(tenantID, actionCtx.SupplierID))
		if err != nil {
			return nil, err
		}
		if count >= limits.MaxOrdersPerSupplier {
			violations = append(violations, model.GuardrailViolation{
				GuardrailID:  GuardrailSupplierOrderCount,
				Description:  fmt.Sprintf("supplier %s reached the rolling order ceiling", actionCtx.SupplierID),
				CurrentValue: strconv.FormatInt(count, 10),
				Threshold:    strconv.FormatInt(limits.MaxOrdersPerSupplier, 10),
			})
		}
	}

	if limits.DailySpendCeiling.IsPositive() {
		current, err := g.amountValue(ctx, dailySpendKey(tenantID, dayBucket(now)))
		if err != nil {
			return nil, err
		}
		// current + new amount strictly over the ceiling violates; landing
		// exactly on the ceiling does not.
		if current.Add(actionCtx.Amount).GreaterThan(limits.DailySpendCeiling) {
			violations = append(violations, model.GuardrailViolation{
				GuardrailID:  GuardrailDailySpendCeiling,
				Description:  "daily cumulative spend ceiling exceeded",
				CurrentValue: current.String(),
				Threshold:    limits.DailySpendCeiling.String(),
			})
		}
	}

	singleCeiling := limits.MaxOrderAmount
	if actionCtx.Expedited && limits.MaxExpeditedOrderAmount.IsPositive() {
		singleCeiling = limits.MaxExpeditedOrderAmount
	}
	if singleCeiling.IsPositive() && actionCtx.Amount.GreaterThan(singleCeiling) {
		violations = append(violations, model.GuardrailViolation{
			GuardrailID:  GuardrailSingleOrderCeiling,
			Description:  "single transaction ceiling exceeded",
			CurrentValue: actionCtx.Amount.String(),
			Threshold:    singleCeiling.String(),
		})
	}

	if limits.ConsolidationCeiling.IsPositive() && actionCtx.Amount.GreaterThan(limits.ConsolidationCeiling) {
		violations = append(violations, model.GuardrailViolation{
			GuardrailID:  GuardrailConsolidation,
			Description:  "order exceeds the consolidation ceiling",
			CurrentValue: actionCtx.Amount.String(),
			Threshold:    limits.ConsolidationCeiling.String(),
		})
	}

	if limits.DualApprovalThreshold.IsPositive() && actionCtx.Amount.GreaterThan(limits.DualApprovalThreshold) {
		violations = append(violations, model.GuardrailViolation{
			GuardrailID:  GuardrailDualApproval,
			Description:  "amount requires dual approval",
			CurrentValue: actionCtx.Amount.String(),
			Threshold:    limits.DualApprovalThreshold.String(),
			Advisory:     true,
		})
	}

	if actionType == model.ActionCreateFollowUpOrder && limits.MaxFollowUpOrders > 0 && actionCtx.SupplierID != "" {
		count, err := g.counterValue(ctx, followUpOrdersKey(tenantID, actionCtx.SupplierID))
		if err != nil {
			return nil, err
		}
		if count >= limits.MaxFollowUpOrders {
			violations = append(violations, model.GuardrailViolation{
				GuardrailID:  GuardrailFollowUpCount,
				Description:  fmt.Sprintf("supplier %s reached the follow-up order ceiling", actionCtx.SupplierID),
				CurrentValue: strconv.FormatInt(count, 10),
				Threshold:    strconv.FormatInt(limits.MaxFollowUpOrders, 10),
			})
		}
	}

	return violations, nil
}

func (g *GuardrailChecker) checkOutbound(ctx context.Context, tenantID string, actionCtx model.ActionContext, limits model.GuardrailLimits) ([]model.GuardrailViolation, error) {
	var violations []model.GuardrailViolation
	now := time.Now()

	if actionCtx.DedupKey != "" {
		exists, err := g.redis.Exists(ctx, outboundMarkerKey(tenantID, actionCtx.DedupKey)).Result()
		if err != nil {
			return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "outbound marker read failed", err)
		}
		if exists > 0 {
			violations = append(violations, model.GuardrailViolation{
				GuardrailID: GuardrailOutboundDuplicate,
				Description: fmt.Sprintf("message %s was already sent", actionCtx.DedupKey),
			})
		}
	}

	domain := actionCtx.RecipientDomain()
	if reserved(domain) {
		violations = append(violations, model.GuardrailViolation{
			GuardrailID: GuardrailInternalDomain,
			Description: fmt.Sprintf("recipient domain %q is reserved", domain),
		})
	} else if len(limits.AllowedDomains) > 0 && !domainAllowed(domain, limits.AllowedDomains) {
		violations = append(violations, model.GuardrailViolation{
			GuardrailID: GuardrailDomainNotAllowed,
			Description: fmt.Sprintf("recipient domain %q is not on the allow list", domain),
		})
	}

	if limits.MaxEmailsPerRecipientDay > 0 && actionCtx.RecipientEmail != "" {
		count, err := g.counterValue(ctx, recipientRateKey(tenantID, actionCtx.RecipientEmail, dayBucket(now)))
		if err != nil {
			return nil, err
		}
		if count >= limits.MaxEmailsPerRecipientDay {
			violations = append(violations, model.GuardrailViolation{
				GuardrailID:  GuardrailRecipientRate,
				Description:  fmt.Sprintf("recipient %s reached the daily message ceiling", actionCtx.RecipientEmail),
				CurrentValue: strconv.FormatInt(count, 10),
				Threshold:    strconv.FormatInt(limits.MaxEmailsPerRecipientDay, 10),
			})
		}
	}

	if limits.MaxActionsPerHour > 0 {
		count, err := g.counterValue(ctx, hourlyActionsKey(tenantID, hourBucket(now)))
		if err != nil {
			return nil, err
		}
		if count >= limits.MaxActionsPerHour {
			violations = append(violations, model.GuardrailViolation{
				GuardrailID:  GuardrailHourlyActionCount,
				Description:  "hourly aggregate action ceiling reached",
				CurrentValue: strconv.FormatInt(count, 10),
				Threshold:    strconv.FormatInt(limits.MaxActionsPerHour, 10),
			})
		}
	}

	return violations, nil
}

func reserved(domain string) bool {
	if domain == "" {
		return true
	}
	for _, suffix := range reservedDomainSuffixes {
		if domain == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(domain, suffix) {
			return true
		}
	}
	return false
}

func domainAllowed(domain string, allowed []string) bool {
	for _, d := range allowed {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// IncrementUsageCounters bumps the counters for one executed action in a
// single pipelined transaction, so no concurrent check can observe a
// partially-updated sibling counter for that action.
func (g *GuardrailChecker) IncrementUsageCounters(ctx context.Context, actionType model.ActionType, tenantID string, actionCtx model.ActionContext) error {
	now := time.Now()
	pipe := g.redis.TxPipeline()

	switch actionType {
	case model.ActionCreatePurchaseOrder, model.ActionCreateFollowUpOrder:
		if actionCtx.SupplierID != "" {
			key := supplierOrdersKey(tenantID, actionCtx.SupplierID)
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, 24*time.Hour)
		}
		if actionCtx.Amount.IsPositive() {
			key := dailySpendKey(tenantID, dayBucket(now))
			pipe.IncrByFloat(ctx, key, actionCtx.Amount.InexactFloat64())
			pipe.Expire(ctx, key, 48*time.Hour)
		}
		if actionType == model.ActionCreateFollowUpOrder && actionCtx.SupplierID != "" {
			key := followUpOrdersKey(tenantID, actionCtx.SupplierID)
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, 24*time.Hour)
		}
	case model.ActionSendSupplierEmail:
		if actionCtx.DedupKey != "" {
			pipe.Set(ctx, outboundMarkerKey(tenantID, actionCtx.DedupKey), "1", 24*time.Hour)
		}
		if actionCtx.RecipientEmail != "" {
			key := recipientRateKey(tenantID, actionCtx.RecipientEmail, dayBucket(now))
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, 48*time.Hour)
		}
	default:
		return nil
	}

	// The hourly aggregate is shared by both families.
	hourKey := hourlyActionsKey(tenantID, hourBucket(now))
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "guardrail counter increment failed", err)
	}
	return nil
}
