package settings_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/finimport/internal/settings"
	"github.com/JonMunkholm/finimport/internal/store/memory"
)

func TestKey_DefaultsWhenUnset(t *testing.T) {
	store := memory.New()
	user := uuid.New()

	v, ok, err := settings.AutoCategorize.Get(context.Background(), store, user)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, v)

	cur, err := settings.DefaultCurrency.Value(context.Background(), store, user)
	require.NoError(t, err)
	assert.Equal(t, "RUB", cur)
}

func TestKey_SetAndGet(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	user := uuid.New()

	require.NoError(t, settings.AutoCategorize.Set(ctx, store, user, false))
	v, ok, err := settings.AutoCategorize.Get(ctx, store, user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, v)

	// other users keep the default
	v, ok, err = settings.AutoCategorize.Get(ctx, store, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, v)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	user := uuid.New()

	k, err := settings.Lookup("auto_categorize")
	require.NoError(t, err)

	assert.ErrorIs(t, k.SetString(ctx, store, user, "maybe"), settings.ErrInvalidValue)
	require.NoError(t, k.SetString(ctx, store, user, "false"))

	got, err := k.GetString(ctx, store, user)
	require.NoError(t, err)
	assert.Equal(t, "false", got)

	_, err = settings.Lookup("theme")
	assert.ErrorIs(t, err, settings.ErrUnknownKey)

	k, err = settings.Lookup("default_currency")
	require.NoError(t, err)
	assert.Error(t, k.SetString(ctx, store, user, "  "))
}
