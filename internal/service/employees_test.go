package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketledger/pocketledger/internal/models"
)

func empInput(name string) EmployeeInput {
	return EmployeeInput{
		Name:           name,
		Role:           "barista",
		Salary:         decimal.NewFromInt(2000),
		OpeningBalance: decimal.NewFromInt(2000),
	}
}

func TestAddPaymentOnlineAdjustsBalanceAtomically(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)

	payment, queued, err := svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.False(t, queued)
	assert.NotEmpty(t, payment.ID)

	// Payment document and balance adjustment land together.
	assert.Equal(t, 1, env.store.count(models.CollectionPayments))
	list, _, err := svc.List(ctx, EmployeeFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Balance.Equal(decimal.NewFromInt(1500)), "balance is %s", list[0].Balance)
}

func TestAddPaymentFoldsIntoPendingEmployeeAdd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	env.store.setOffline(true)
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)
	assert.Equal(t, models.OriginLocal, emp.Origin)

	payment, queued, err := svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(300)})
	require.NoError(t, err)
	assert.True(t, queued)

	// The payment rides inside the employee's add record.
	n, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	payments, meta, err := svc.ListPayments(ctx, emp.ID)
	require.NoError(t, err)
	assert.True(t, meta.IsPartiallyOffline)
	require.Len(t, payments, 1)
	assert.Equal(t, payment.ID, payments[0].ID)

	// The drain creates employee and payment in one batch, balance applied.
	env.store.setOffline(false)
	result, err := svc.SyncOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)

	assert.Equal(t, 1, env.store.count(models.CollectionEmployees))
	assert.Equal(t, 1, env.store.count(models.CollectionPayments))

	list, _, err := svc.List(ctx, EmployeeFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Balance.Equal(decimal.NewFromInt(1700)), "balance is %s", list[0].Balance)
}

func TestDeletePaymentRestoresBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)
	payment, _, err := svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)

	queued, err := svc.DeletePayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.False(t, queued)

	assert.Zero(t, env.store.count(models.CollectionPayments))
	list, _, err := svc.List(ctx, EmployeeFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Balance.Equal(decimal.NewFromInt(2000)), "balance is %s", list[0].Balance)
}

func TestDeletePendingPaymentPrunesQueue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)

	env.store.setOffline(true)
	payment, queued, err := svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.True(t, queued)

	// Deleting it before sync cancels the whole thing locally.
	queued, err = svc.DeletePayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.False(t, queued)

	n, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.store.setOffline(false)
	_, err = svc.SyncOffline(ctx)
	require.NoError(t, err)
	assert.Zero(t, env.store.count(models.CollectionPayments))
}

func TestDeletePaymentInsidePendingEmployeeAdd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	env.store.setOffline(true)
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)
	payment, _, err := svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(250)})
	require.NoError(t, err)

	_, err = svc.DeletePayment(ctx, payment.ID)
	require.NoError(t, err)

	// Balance adjustment is undone inside the pending add.
	list, _, err := svc.List(ctx, EmployeeFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Balance.Equal(decimal.NewFromInt(2000)), "balance is %s", list[0].Balance)

	payments, _, err := svc.ListPayments(ctx, emp.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestDeleteEmployeeCascadesPayments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)
	_, _, err = svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, _, err = svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(200)})
	require.NoError(t, err)

	queued, err := svc.Delete(ctx, emp.ID)
	require.NoError(t, err)
	assert.False(t, queued)

	assert.Zero(t, env.store.count(models.CollectionEmployees))
	assert.Zero(t, env.store.count(models.CollectionPayments))
}

func TestOfflineEmployeeDeleteCascadesOnDrain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)
	_, _, err = svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	env.store.setOffline(true)
	queued, err := svc.Delete(ctx, emp.ID)
	require.NoError(t, err)
	assert.True(t, queued)

	env.store.setOffline(false)
	result, err := svc.SyncOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)

	assert.Zero(t, env.store.count(models.CollectionEmployees))
	assert.Zero(t, env.store.count(models.CollectionPayments))
}

func TestAddPaymentValidatesAmount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "u1")
	svc := env.employees(t, 8)

	emp, err := svc.Add(ctx, empInput("Ana"))
	require.NoError(t, err)

	_, _, err = svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.Zero})
	assert.Error(t, err)
	_, _, err = svc.AddPayment(ctx, emp.ID, PaymentInput{Amount: decimal.NewFromInt(-5)})
	assert.Error(t, err)
}
