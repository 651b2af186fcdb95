package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/middleware"
	"github.com/entityflow/entitycore/tenant"
)

type fakeUOW struct {
	ran       bool
	committed bool
}

func (f *fakeUOW) Run(ctx context.Context, op middleware.Operation) error {
	f.ran = true
	err := op(ctx)
	f.committed = err == nil
	return err
}

func TestRequireTenantFailsFastWithoutTenant(t *testing.T) {
	called := false
	op := middleware.RequireTenant(func(ctx context.Context) error {
		called = true
		return nil
	})

	err := op(context.Background())
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
	assert.False(t, called)
}

func TestTransactionalCommitsOnSuccessAndRollsBackOnError(t *testing.T) {
	uow := &fakeUOW{}
	op := middleware.Transactional(uow, func(ctx context.Context) error { return nil })
	require.NoError(t, op(context.Background()))
	assert.True(t, uow.ran)
	assert.True(t, uow.committed)

	uow2 := &fakeUOW{}
	failing := middleware.Transactional(uow2, func(ctx context.Context) error { return apierrors.New(apierrors.CodeDatabaseError, "op", "boom") })
	assert.Error(t, failing(context.Background()))
	assert.False(t, uow2.committed)
}

func TestClassifyErrorsNormalizesUnknownErrors(t *testing.T) {
	op := middleware.ClassifyErrors(nil, "test_op", func(ctx context.Context) error {
		return assert.AnError
	})
	err := op(context.Background())
	require.Error(t, err)
	var ue *apierrors.UnexpectedErrorKind
	assert.ErrorAs(t, err, &ue)
}

func TestChainOrdersTenantCheckBeforeTransaction(t *testing.T) {
	uow := &fakeUOW{}
	op := middleware.Chain(nil, "test_op", uow, func(ctx context.Context) error { return nil })

	err := op(context.Background())
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
	assert.False(t, uow.ran, "transaction must not open when tenant check fails first")

	ctx, tErr := tenant.WithTenant(context.Background(), "tenant-a")
	require.NoError(t, tErr)
	require.NoError(t, op(ctx))
	assert.True(t, uow.ran)
}
