package invite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	mk := func(name, owner string) *Link {
		link, err := r.Create(ctx, CreateParams{Name: name, MaxUses: -1, OwnerUserID: owner})
		require.NoError(t, err)
		return link
	}
	mk("Birthday", "u1")
	mk("Wedding", "u1")
	mk("Other", "u2")

	t.Run("scoped to owner", func(t *testing.T) {
		links, err := r.List(ctx, "u1", "", "")
		require.NoError(t, err)
		assert.Len(t, links, 2)
	})

	t.Run("search by name", func(t *testing.T) {
		links, err := r.List(ctx, "u1", "wed", "")
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, "Wedding", links[0].Name)
	})

	t.Run("sort by name", func(t *testing.T) {
		links, err := r.List(ctx, "u1", "", "name")
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, "Birthday", links[0].Name)
	})
}

func TestPatch(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	t.Run("rename and relimit", func(t *testing.T) {
		link, err := r.Create(ctx, CreateParams{MaxUses: 1, OwnerUserID: "u1"})
		require.NoError(t, err)

		name := "Renamed"
		uses := 10
		changed, err := r.Patch(ctx, "u1", link.Token, PatchParams{Name: &name, MaxUses: &uses})
		require.NoError(t, err)
		require.True(t, changed)

		got, err := r.Get(ctx, link.Token)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, 10, got.MaxUses)
	})

	t.Run("clear expiry with zero time", func(t *testing.T) {
		link, err := r.Create(ctx, CreateParams{MaxUses: -1, ExpiresAfterDays: 2, OwnerUserID: "u1"})
		require.NoError(t, err)

		changed, err := r.Patch(ctx, "u1", link.Token, PatchParams{ExpiresAt: &time.Time{}})
		require.NoError(t, err)
		require.True(t, changed)

		got, err := r.Get(ctx, link.Token)
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
	})

	t.Run("non-positive expiry days clears expiry", func(t *testing.T) {
		link, err := r.Create(ctx, CreateParams{MaxUses: -1, ExpiresAfterDays: 2, OwnerUserID: "u1"})
		require.NoError(t, err)

		days := 0
		changed, err := r.Patch(ctx, "u1", link.Token, PatchParams{ExpiresDays: &days})
		require.NoError(t, err)
		require.True(t, changed)

		got, err := r.Get(ctx, link.Token)
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
		assert.NoError(t, r.Usable(got, "sess"))
	})

	t.Run("reset usage", func(t *testing.T) {
		link, err := r.Create(ctx, CreateParams{MaxUses: 5, OwnerUserID: "u1"})
		require.NoError(t, err)
		require.NoError(t, r.RecordUse(ctx, link.Token))
		require.NoError(t, r.RecordUse(ctx, link.Token))

		changed, err := r.Patch(ctx, "u1", link.Token, PatchParams{ResetUsage: true})
		require.NoError(t, err)
		require.True(t, changed)

		got, err := r.Get(ctx, link.Token)
		require.NoError(t, err)
		assert.Equal(t, 0, got.UsedCount)
	})

	t.Run("wrong owner changes nothing", func(t *testing.T) {
		link, err := r.Create(ctx, CreateParams{MaxUses: -1, OwnerUserID: "u1"})
		require.NoError(t, err)

		disabled := true
		changed, err := r.Patch(ctx, "u2", link.Token, PatchParams{Disabled: &disabled})
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestBulkOperations(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		link, err := r.Create(ctx, CreateParams{MaxUses: -1, OwnerUserID: "u1"})
		require.NoError(t, err)
		tokens = append(tokens, link.Token)
	}
	foreign, err := r.Create(ctx, CreateParams{MaxUses: -1, OwnerUserID: "u2"})
	require.NoError(t, err)

	t.Run("disable", func(t *testing.T) {
		n, err := r.BulkSetDisabled(ctx, "u1", append(tokens[:2:2], foreign.Token), true)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		got, err := r.Get(ctx, foreign.Token)
		require.NoError(t, err)
		assert.False(t, got.Disabled)
	})

	t.Run("delete", func(t *testing.T) {
		n, err := r.BulkDelete(ctx, "u1", tokens)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		_, err = r.Get(ctx, tokens[0])
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty token list is a no-op", func(t *testing.T) {
		n, err := r.BulkDelete(ctx, "u1", nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
