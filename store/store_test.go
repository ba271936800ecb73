package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauthority/auth"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := "file:" + t.Name() + "?mode=memory&cache=shared"
	if pg := os.Getenv("KEYAUTHORITY_TEST_DATABASE_URL"); pg != "" {
		url = pg
	}
	db, err := Open(context.Background(), Options{URL: url, AcquireTimeout: 5 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestUserRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.FetchUserByUID(ctx, "alice")
	require.ErrorIs(t, err, auth.ErrUserNotFound)

	id, err := db.GenerateID(ctx)
	require.NoError(t, err)
	user := &auth.User{EntityID: id, UID: "alice", Name: "Alice", Email: "alice@example.com", Role: auth.RoleUser}
	require.NoError(t, db.CreateUser(ctx, user))

	got, err := db.FetchUserByUID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user, got)

	got.Email = "alice@new.example.com"
	got.Role = auth.RoleAdmin
	require.NoError(t, db.SaveUser(ctx, got))
	again, err := db.FetchUserByUID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@new.example.com", again.Email)
	assert.Equal(t, auth.RoleAdmin, again.Role)

	ghost := &auth.User{EntityID: uuid.New(), UID: "ghost", Role: auth.RoleUser}
	require.ErrorIs(t, db.SaveUser(ctx, ghost), ErrNotFound)

	dup := &auth.User{EntityID: uuid.New(), UID: "alice", Name: "Other", Email: "x", Role: auth.RoleUser}
	assert.Error(t, db.CreateUser(ctx, dup), "uid is unique")
}

func TestPermissionIDsOverNestedGroups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user, err := db.GenerateID(ctx)
	require.NoError(t, err)
	team, err := db.CreateGroup(ctx, "team")
	require.NoError(t, err)
	dept, err := db.CreateGroup(ctx, "dept")
	require.NoError(t, err)
	org, err := db.CreateGroup(ctx, "org")
	require.NoError(t, err)
	unrelated, err := db.CreateGroup(ctx, "unrelated")
	require.NoError(t, err)

	require.NoError(t, db.AddGroupMember(ctx, team, user, nil))
	require.NoError(t, db.AddGroupMember(ctx, dept, team, &user))
	require.NoError(t, db.AddGroupMember(ctx, org, dept, nil))
	// Cycle back to the team.
	require.NoError(t, db.AddGroupMember(ctx, team, org, nil))
	// Re-adding is a no-op.
	require.NoError(t, db.AddGroupMember(ctx, team, user, nil))

	closure, err := db.FetchPermissionIDs(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{user, team, dept, org}, closure.IDs())
	assert.False(t, closure.Contains(unrelated))

	lonely, err := db.FetchPermissionIDs(ctx, unrelated)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{unrelated}, lonely.IDs())
}

func TestDirectGroupIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	g1, err := db.CreateGroup(ctx, "g1")
	require.NoError(t, err)
	g2, err := db.CreateGroup(ctx, "g2")
	require.NoError(t, err)
	require.NoError(t, db.AddGroupMember(ctx, g1, a, nil))
	require.NoError(t, db.AddGroupMember(ctx, g2, b, nil))

	ids, err := db.DirectGroupIDs(ctx, []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{g1, g2}, ids)

	ids, err = db.DirectGroupIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPublicKeysRespectVisibility(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	team, err := db.CreateGroup(ctx, "team")
	require.NoError(t, err)
	require.NoError(t, db.AddGroupMember(ctx, team, alice, nil))

	own := &PublicKey{EntityID: alice, KeyType: "ssh-ed25519", KeyData: "AAAA1", Comment: "laptop"}
	shared := &PublicKey{EntityID: team, KeyType: "ssh-ed25519", KeyData: "AAAA2"}
	foreign := &PublicKey{EntityID: bob, KeyType: "ssh-rsa", KeyData: "AAAA3"}
	for _, k := range []*PublicKey{own, shared, foreign} {
		require.NoError(t, db.CreatePublicKey(ctx, k))
		assert.NotEqual(t, uuid.Nil, k.ID)
	}

	closure, err := db.FetchPermissionIDs(ctx, alice)
	require.NoError(t, err)
	aliceView := auth.Visibility{Closure: closure}

	keys, err := db.ListPublicKeys(ctx, aliceView)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{own.ID, shared.ID}, ids)

	all, err := db.ListPublicKeys(ctx, auth.Visibility{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := db.ListPublicKeys(ctx, auth.Visibility{})
	require.NoError(t, err)
	assert.Empty(t, none)

	require.ErrorIs(t, db.DeletePublicKey(ctx, foreign.ID, aliceView), ErrNotFound)
	require.NoError(t, db.DeletePublicKey(ctx, shared.ID, aliceView))
	require.ErrorIs(t, db.DeletePublicKey(ctx, shared.ID, aliceView), ErrNotFound)
	require.NoError(t, db.DeletePublicKey(ctx, foreign.ID, auth.Visibility{All: true}))
}

func TestExpiredAcquireIsUnavailable(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := db.DirectGroupIDs(ctx, []uuid.UUID{uuid.New()})
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = auth.NewPermissionResolver(db, nil).Resolve(ctx, uuid.New())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestWrapErr(t *testing.T) {
	assert.NoError(t, wrapErr("op", nil))
	assert.ErrorIs(t, wrapErr("op", context.DeadlineExceeded), ErrUnavailable)
	assert.ErrorIs(t, wrapErr("op", sql.ErrNoRows), ErrNotFound)

	plain := errors.New("syntax error")
	err := wrapErr("op", plain)
	assert.ErrorIs(t, err, plain)
	assert.NotErrorIs(t, err, ErrUnavailable)
}
