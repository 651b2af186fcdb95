package entity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/entity"
	"github.com/entityflow/entitycore/tenant"
)

func withTenant(t *testing.T, id string) context.Context {
	t.Helper()
	ctx, err := tenant.WithTenant(context.Background(), id)
	require.NoError(t, err)
	return ctx
}

func TestCreateRequiresTenant(t *testing.T) {
	repo := entity.NewMemoryRepository()
	_, err := repo.Create(context.Background(), entity.CreateInput{ExternalID: "ext-1", CanonicalType: "order", Source: "shop"})
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
}

func TestCreateAndGetByID(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()

	created, err := repo.Create(ctx, entity.CreateInput{
		ExternalID:    "ext-1",
		CanonicalType: "order",
		Source:        "shop",
		ContentHash:   "hash-1",
		Attributes:    map[string]interface{}{"foo": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	got, err := repo.RequireByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ExternalID, got.ExternalID)
}

func TestCrossTenantIsolation(t *testing.T) {
	repo := entity.NewMemoryRepository()
	ctxA := withTenant(t, "tenant-a")
	ctxB := withTenant(t, "tenant-b")

	created, err := repo.Create(ctxA, entity.CreateInput{ExternalID: "ext-1", CanonicalType: "order", Source: "shop"})
	require.NoError(t, err)

	got, err := repo.GetByID(ctxB, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "tenant B must not see tenant A's entity")
}

func TestCreateNewVersionInheritsCanonicalType(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()

	_, err := repo.Create(ctx, entity.CreateInput{ExternalID: "ext-1", CanonicalType: "order", Source: "shop", ContentHash: "h1"})
	require.NoError(t, err)

	v2, err := repo.CreateNewVersion(ctx, "ext-1", "shop", "h2", "", map[string]interface{}{"new": true})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "order", v2.CanonicalType)
}

func TestCreateNewVersionRequiresCanonicalTypeWhenNone(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()

	_, err := repo.CreateNewVersion(ctx, "ext-1", "shop", "h1", "", nil)
	require.Error(t, err)
	code, ok := apierrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeValidationFailed, code)
}

func TestCreateRejectsDuplicateExternalIDSourceVersion(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()

	_, err := repo.Create(ctx, entity.CreateInput{ExternalID: "ext-1", CanonicalType: "order", Source: "shop"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, entity.CreateInput{ExternalID: "ext-1", CanonicalType: "order", Source: "shop"})
	require.Error(t, err)
	code, ok := apierrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeDuplicate, code)
}

func TestListReturnsTotalCountIgnoringPagination(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()
	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, entity.CreateInput{ExternalID: string(rune('a' + i)), CanonicalType: "order", Source: "shop"})
		require.NoError(t, err)
	}

	page, total, err := repo.List(ctx, entity.Filter{}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, 5, total)
}

func TestUpdateAttributesShallowMerges(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()

	created, err := repo.Create(ctx, entity.CreateInput{
		ExternalID: "ext-1", CanonicalType: "order", Source: "shop",
		Attributes: map[string]interface{}{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	updated, err := repo.UpdateAttributes(ctx, created.ID, map[string]interface{}{"b": 3, "c": 4})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attributes["a"])
	assert.Equal(t, 3, updated.Attributes["b"])
	assert.Equal(t, 4, updated.Attributes["c"])
}

func TestIterateWalksAllBatches(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	repo := entity.NewMemoryRepository()
	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, entity.CreateInput{ExternalID: string(rune('a' + i)), CanonicalType: "order", Source: "shop"})
		require.NoError(t, err)
	}

	seen := 0
	err := repo.Iterate(ctx, entity.Filter{}, 2, func(batch []*entity.Entity) error {
		seen += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, seen)
}
