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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/model"
)

func newTestGuardrailChecker(t *testing.T) (*GuardrailChecker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewGuardrailChecker(client), mr
}

func TestSupplierOrderCountBoundary(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	actionCtx := model.ActionContext{SupplierID: "sup_001", Amount: decimal.NewFromInt(100)}
	limits := model.GuardrailLimits{MaxOrdersPerSupplier: 3}

	// One below the ceiling passes.
	mr.Set(supplierOrdersKey(tenantID, "sup_001"), "2")
	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Empty(t, violations)

	// At the ceiling violates.
	mr.Set(supplierOrdersKey(tenantID, "sup_001"), "3")
	violations, err = checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailSupplierOrderCount, violations[0].GuardrailID)
	assert.False(t, violations[0].Advisory)
}

func TestDailySpendCeilingEqualityPasses(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	limits := model.GuardrailLimits{DailySpendCeiling: decimal.NewFromInt(10000)}

	mr.Set(dailySpendKey(tenantID, dayBucket(time.Now())), "9000")

	// Landing exactly on the ceiling passes.
	actionCtx := model.ActionContext{Amount: decimal.NewFromInt(1000)}
	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Empty(t, violations)

	// One over violates.
	actionCtx.Amount = decimal.NewFromInt(1001)
	violations, err = checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailDailySpendCeiling, violations[0].GuardrailID)
}

func TestExpeditedOrderCeilingOverride(t *testing.T) {
	checker, _ := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	limits := model.GuardrailLimits{
		MaxOrderAmount:          decimal.NewFromInt(5000),
		MaxExpeditedOrderAmount: decimal.NewFromInt(2000),
	}

	// 3000 passes as a standard order but violates when expedited.
	actionCtx := model.ActionContext{Amount: decimal.NewFromInt(3000)}
	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Empty(t, violations)

	actionCtx.Expedited = true
	violations, err = checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailSingleOrderCeiling, violations[0].GuardrailID)
}

func TestDualApprovalIsAdvisory(t *testing.T) {
	checker, _ := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	limits := model.GuardrailLimits{DualApprovalThreshold: decimal.NewFromInt(5000)}

	actionCtx := model.ActionContext{Amount: decimal.NewFromInt(8000)}
	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailDualApproval, violations[0].GuardrailID)
	assert.True(t, violations[0].Advisory)
	assert.False(t, model.HasBlocking(violations))
}

func TestFollowUpCountOnlyAppliesToFollowUps(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	actionCtx := model.ActionContext{SupplierID: "sup_002"}
	limits := model.GuardrailLimits{MaxFollowUpOrders: 1}

	mr.Set(followUpOrdersKey(tenantID, "sup_002"), "1")

	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = checker.CheckGuardrails(context.Background(), model.ActionCreateFollowUpOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailFollowUpCount, violations[0].GuardrailID)
}

func TestOutboundDuplicateMarker(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	actionCtx := model.ActionContext{RecipientEmail: "orders@supplier.com", DedupKey: "order-4412-confirmation"}

	violations, err := checker.CheckGuardrails(context.Background(), model.ActionSendSupplierEmail, tenantID, actionCtx, model.GuardrailLimits{})
	assert.NoError(t, err)
	assert.Empty(t, violations)

	mr.Set(outboundMarkerKey(tenantID, "order-4412-confirmation"), "1")
	violations, err = checker.CheckGuardrails(context.Background(), model.ActionSendSupplierEmail, tenantID, actionCtx, model.GuardrailLimits{})
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailOutboundDuplicate, violations[0].GuardrailID)
}

func TestReservedRecipientDomains(t *testing.T) {
	checker, _ := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()

	for _, recipient := range []string{"ops@warehouse.internal", "admin@printer.local", "root@localhost"} {
		violations, err := checker.CheckGuardrails(context.Background(), model.ActionSendSupplierEmail, tenantID,
			model.ActionContext{RecipientEmail: recipient}, model.GuardrailLimits{})
		assert.NoError(t, err)
		assert.Len(t, violations, 1, recipient)
		assert.Equal(t, GuardrailInternalDomain, violations[0].GuardrailID, recipient)
	}
}

func TestRecipientDomainAllowList(t *testing.T) {
	checker, _ := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	limits := model.GuardrailLimits{AllowedDomains: []string{"supplier.com"}}

	violations, err := checker.CheckGuardrails(context.Background(), model.ActionSendSupplierEmail, tenantID,
		model.ActionContext{RecipientEmail: "orders@Supplier.COM"}, limits)
	assert.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = checker.CheckGuardrails(context.Background(), model.ActionSendSupplierEmail, tenantID,
		model.ActionContext{RecipientEmail: "orders@elsewhere.com"}, limits)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.Equal(t, GuardrailDomainNotAllowed, violations[0].GuardrailID)
}

func TestCorruptCounterFailsOpen(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	actionCtx := model.ActionContext{SupplierID: "sup_001"}
	limits := model.GuardrailLimits{MaxOrdersPerSupplier: 3}

	mr.Set(supplierOrdersKey(tenantID, "sup_001"), "not-a-number")

	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx, limits)
	assert.NoError(t, err)
	assert.Empty(t, violations)
}

func TestZeroLimitsSkipAllReads(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	mr.Set(supplierOrdersKey(tenantID, "sup_001"), "999")

	violations, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID,
		model.ActionContext{SupplierID: "sup_001", Amount: decimal.NewFromInt(1)}, model.GuardrailLimits{})
	assert.NoError(t, err)
	assert.Empty(t, violations)
}

func TestIncrementUsageCounters(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	actionCtx := model.ActionContext{SupplierID: "sup_001", Amount: decimal.NewFromFloat(250.50)}

	err := checker.IncrementUsageCounters(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx)
	assert.NoError(t, err)
	err = checker.IncrementUsageCounters(context.Background(), model.ActionCreatePurchaseOrder, tenantID, actionCtx)
	assert.NoError(t, err)

	count, err := mr.Get(supplierOrdersKey(tenantID, "sup_001"))
	assert.NoError(t, err)
	assert.Equal(t, "2", count)

	spend, err := mr.Get(dailySpendKey(tenantID, dayBucket(time.Now())))
	assert.NoError(t, err)
	assert.Equal(t, "501", spend)

	hourly, err := mr.Get(hourlyActionsKey(tenantID, hourBucket(time.Now())))
	assert.NoError(t, err)
	assert.Equal(t, "2", hourly)
}

func TestIncrementUsageCountersOutbound(t *testing.T) {
	checker, mr := newTestGuardrailChecker(t)
	tenantID := gofakeit.UUID()
	actionCtx := model.ActionContext{RecipientEmail: "orders@supplier.com", DedupKey: "msg-1"}

	err := checker.IncrementUsageCounters(context.Background(), model.ActionSendSupplierEmail, tenantID, actionCtx)
	assert.NoError(t, err)

	assert.True(t, mr.Exists(outboundMarkerKey(tenantID, "msg-1")))
	count, err := mr.Get(recipientRateKey(tenantID, "orders@supplier.com", dayBucket(time.Now())))
	assert.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestCounterReadFaultIsInfrastructure(t *testing.T) {
	client, mock := redismock.NewClientMock()
	checker := NewGuardrailChecker(client)
	tenantID := gofakeit.UUID()

	mock.ExpectGet(supplierOrdersKey(tenantID, "sup_001")).SetErr(assert.AnError)

	_, err := checker.CheckGuardrails(context.Background(), model.ActionCreatePurchaseOrder, tenantID,
		model.ActionContext{SupplierID: "sup_001", Amount: decimal.NewFromInt(100)},
		model.GuardrailLimits{MaxOrdersPerSupplier: 3})
	assert.Error(t, err)
	assert.True(t, pipelineerror.Is(err, pipelineerror.ErrInfrastructure))
}
