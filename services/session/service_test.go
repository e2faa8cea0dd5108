package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/oauth-issuer/internal/observability"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/repositories/kvstore"
	"github.com/upb/oauth-issuer/repositories/memory"
	"github.com/upb/oauth-issuer/services"
)

type fixture struct {
	svc     *Service
	repo    *memory.SessionRepository
	kv      *memory.KVStore
	metrics *observability.Metrics
	now     time.Time
}

func testConfig() Config {
	return Config{
		SlidingWindow: 24 * time.Hour,
		Lifetime:      30 * 24 * time.Hour,
		MaxAccounts:   3,
		CookieName:    "__session",
		CookieSecure:  true,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := NewCookieCodec(testSecret)
	require.NoError(t, err)

	f := &fixture{
		repo:    memory.NewSessionRepository(),
		metrics: observability.NewMetrics(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.kv = memory.NewKVStore().WithClock(clock)
	f.svc = NewService(f.repo, codec, f.kv, testConfig(), nil, f.metrics).WithClock(clock)
	return f
}

func (f *fixture) account(userID string) AccountData {
	return AccountData{
		UserID:       userID,
		ExpiresAt:    f.now.Add(12 * time.Hour),
		ClientID:     "web",
		RefreshToken: "rt-" + userID,
		SubjectProperties: models.SubjectProperties{
			Email: userID + "@example.com",
		},
	}
}

func (f *fixture) create(t *testing.T) (*models.BrowserSession, string) {
	t.Helper()
	sess, cookie, err := f.svc.Create(context.Background(), "tenant-1", "Mozilla/5.0", "10.0.0.1")
	require.NoError(t, err)
	return sess, cookie
}

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, cookie := f.create(t)

	assert.Equal(t, int64(1), sess.Version)
	assert.Nil(t, sess.ActiveUserID)

	state, err := f.svc.Resolve(ctx, "tenant-1", cookie)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, sess.ID, state.Session.ID)
	assert.Empty(t, state.Accounts)
	assert.Nil(t, state.Active)
}

func TestResolve_Anonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, cookie := f.create(t)

	state, err := f.svc.Resolve(ctx, "tenant-2", cookie)
	require.NoError(t, err)
	assert.Nil(t, state, "cookie from another tenant")

	state, err = f.svc.Resolve(ctx, "tenant-1", "garbage")
	require.NoError(t, err)
	assert.Nil(t, state)

	state, err = f.svc.Resolve(ctx, "tenant-1", "")
	require.NoError(t, err)
	assert.Nil(t, state)

	ghost, err := f.svc.codec.Encode(CookiePayload{SessionID: uuid.New(), Version: 1}, "tenant-1")
	require.NoError(t, err)
	state, err = f.svc.Resolve(ctx, "tenant-1", ghost)
	require.NoError(t, err)
	assert.Nil(t, state, "unknown session")
}

func TestResolve_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("idle past sliding window", func(t *testing.T) {
		f := newFixture(t)
		_, cookie := f.create(t)

		f.now = f.now.Add(24*time.Hour + time.Second)
		state, err := f.svc.Resolve(ctx, "tenant-1", cookie)
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("touch keeps it alive until lifetime", func(t *testing.T) {
		f := newFixture(t)
		sess, cookie := f.create(t)

		for i := 0; i < 31; i++ {
			f.now = f.now.Add(23 * time.Hour)
			require.NoError(t, f.svc.Touch(ctx, sess.ID))
		}
		// 713h in, inside the 720h lifetime
		state, err := f.svc.Resolve(ctx, "tenant-1", cookie)
		require.NoError(t, err)
		require.NotNil(t, state)

		f.now = f.now.Add(10 * time.Hour)
		assert.ErrorIs(t, f.svc.Touch(ctx, sess.ID), services.ErrSessionExpired)
		state, err = f.svc.Resolve(ctx, "tenant-1", cookie)
		require.NoError(t, err)
		assert.Nil(t, state, "absolute lifetime exceeded")
	})

	t.Run("mutations reject expired sessions", func(t *testing.T) {
		f := newFixture(t)
		sess, _ := f.create(t)

		f.now = f.now.Add(25 * time.Hour)
		_, err := f.svc.AddAccount(ctx, sess.ID, f.account("alice"))
		assert.ErrorIs(t, err, services.ErrSessionExpired)
	})

	t.Run("expired accounts are filtered", func(t *testing.T) {
		f := newFixture(t)
		sess, cookie := f.create(t)

		short := f.account("alice")
		short.ExpiresAt = f.now.Add(time.Hour)
		_, err := f.svc.AddAccount(ctx, sess.ID, short)
		require.NoError(t, err)
		_, err = f.svc.AddAccount(ctx, sess.ID, f.account("bob"))
		require.NoError(t, err)

		f.now = f.now.Add(2 * time.Hour)
		state, err := f.svc.Resolve(ctx, "tenant-1", cookie)
		require.NoError(t, err)
		require.Len(t, state.Accounts, 1)
		assert.Equal(t, "bob", state.Accounts[0].UserID)
		assert.Nil(t, state.Active, "active account expired")
	})
}

func TestResolveOrCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	state, cookie, err := f.svc.ResolveOrCreate(ctx, "tenant-1", "", "ua", "ip")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.NotEmpty(t, cookie)

	again, fresh, err := f.svc.ResolveOrCreate(ctx, "tenant-1", cookie, "ua", "ip")
	require.NoError(t, err)
	assert.Empty(t, fresh)
	assert.Equal(t, state.Session.ID, again.Session.ID)
}

func TestAddAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	state, err := f.svc.AddAccount(ctx, sess.ID, f.account("alice"))
	require.NoError(t, err)
	require.NotNil(t, state.Active)
	assert.Equal(t, "alice", state.Active.UserID)
	assert.Equal(t, int64(2), state.Session.Version)

	state, err = f.svc.AddAccount(ctx, sess.ID, f.account("bob"))
	require.NoError(t, err)
	assert.Equal(t, "alice", state.Active.UserID, "first account stays active")
	assert.Len(t, state.Accounts, 2)

	relogin := f.account("alice")
	relogin.RefreshToken = "rt-alice-2"
	state, err = f.svc.AddAccount(ctx, sess.ID, relogin)
	require.NoError(t, err)
	assert.Len(t, state.Accounts, 2, "re-login updates in place")
	assert.Equal(t, "rt-alice-2", state.Account("alice").RefreshToken)

	_, found, err := f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "rt-alice"))
	require.NoError(t, err)
	assert.False(t, found, "replaced refresh token blob removed")
	_, found, err = f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "rt-alice-2"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAddAccount_MaxAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	for _, user := range []string{"alice", "bob", "carol"} {
		_, err := f.svc.AddAccount(ctx, sess.ID, f.account(user))
		require.NoError(t, err)
	}

	_, err := f.svc.AddAccount(ctx, sess.ID, f.account("dave"))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrMaxAccountsExceeded)
	assert.Equal(t, "max_accounts_exceeded", services.GetErrorCode(err))

	accounts, err := f.repo.ListAccountSessions(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 3)

	// an existing user can still sign in again
	_, err = f.svc.AddAccount(ctx, sess.ID, f.account("bob"))
	assert.NoError(t, err)
}

func TestAddAccount_ExpiredAccountsFreeSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	short := f.account("alice")
	short.ExpiresAt = f.now.Add(time.Minute)
	_, err := f.svc.AddAccount(ctx, sess.ID, short)
	require.NoError(t, err)
	for _, user := range []string{"bob", "carol"} {
		_, err := f.svc.AddAccount(ctx, sess.ID, f.account(user))
		require.NoError(t, err)
	}

	f.now = f.now.Add(time.Hour)
	state, err := f.svc.AddAccount(ctx, sess.ID, f.account("dave"))
	require.NoError(t, err)
	assert.Len(t, state.Accounts, 3)
	assert.Nil(t, state.Account("alice"))
}

func TestAddAccount_Validation(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.create(t)

	_, err := f.svc.AddAccount(context.Background(), sess.ID, AccountData{})
	assert.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestSwitchActiveAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	_, err := f.svc.AddAccount(ctx, sess.ID, f.account("alice"))
	require.NoError(t, err)
	_, err = f.svc.AddAccount(ctx, sess.ID, f.account("bob"))
	require.NoError(t, err)

	state, err := f.svc.SwitchActiveAccount(ctx, sess.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", *state.Session.ActiveUserID)
	assert.True(t, state.Account("bob").IsActive)
	assert.False(t, state.Account("alice").IsActive)

	stored, err := f.repo.ListAccountSessions(ctx, sess.ID)
	require.NoError(t, err)
	active := 0
	for _, a := range stored {
		if a.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active, "at most one active account")

	_, err = f.svc.SwitchActiveAccount(ctx, sess.ID, "mallory")
	assert.ErrorIs(t, err, services.ErrAccountNotFound)
}

func TestRemoveAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	_, err := f.svc.AddAccount(ctx, sess.ID, f.account("alice"))
	require.NoError(t, err)
	_, err = f.svc.AddAccount(ctx, sess.ID, f.account("bob"))
	require.NoError(t, err)

	state, err := f.svc.RemoveAccount(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Nil(t, state.Session.ActiveUserID, "removing the active account clears it")
	assert.Nil(t, state.Active)
	require.Len(t, state.Accounts, 1)
	assert.False(t, state.Accounts[0].IsActive, "no other account is promoted")

	_, found, err := f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "rt-alice"))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = f.svc.RemoveAccount(ctx, sess.ID, "alice")
	assert.ErrorIs(t, err, services.ErrAccountNotFound)
}

func TestRefreshAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	_, err := f.svc.AddAccount(ctx, sess.ID, f.account("alice"))
	require.NoError(t, err)

	expires := f.now.Add(48 * time.Hour)
	state, err := f.svc.RefreshAccount(ctx, sess.ID, "alice", "rt-new", expires)
	require.NoError(t, err)
	assert.Equal(t, "rt-new", state.Account("alice").RefreshToken)
	assert.Equal(t, expires, state.Account("alice").ExpiresAt)

	_, found, _ := f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "rt-alice"))
	assert.False(t, found)
	_, found, _ = f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "rt-new"))
	assert.True(t, found)

	_, err = f.svc.RefreshAccount(ctx, sess.ID, "bob", "rt", expires)
	assert.ErrorIs(t, err, services.ErrAccountNotFound)
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, cookie := f.create(t)

	for _, user := range []string{"alice", "bob"} {
		_, err := f.svc.AddAccount(ctx, sess.ID, f.account(user))
		require.NoError(t, err)
	}

	state, err := f.svc.RemoveAll(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, state.Accounts)
	assert.Nil(t, state.Session.ActiveUserID)

	resolved, err := f.svc.Resolve(ctx, "tenant-1", cookie)
	require.NoError(t, err)
	require.NotNil(t, resolved, "session itself survives")
	assert.Empty(t, resolved.Accounts)
}

func TestConcurrentMutations_OneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	var barrier sync.WaitGroup
	barrier.Add(2)
	repo := &barrierRepo{SessionRepository: f.repo, barrier: &barrier}
	svc := NewService(repo, f.svc.codec, f.kv, testConfig(), nil, f.metrics).WithClock(f.svc.now)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, results[i] = svc.AddAccount(ctx, sess.ID, f.account(user))
		}(i, user)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, services.ErrSessionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionConflicts))

	stored, err := f.repo.GetBrowserSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	accounts, err := f.repo.ListAccountSessions(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

// barrierRepo holds every caller after its snapshot read until all callers have read
type barrierRepo struct {
	*memory.SessionRepository
	barrier *sync.WaitGroup
}

func (r *barrierRepo) ListAccountSessions(ctx context.Context, id uuid.UUID) ([]*models.AccountSession, error) {
	r.barrier.Done()
	r.barrier.Wait()
	return r.SessionRepository.ListAccountSessions(ctx, id)
}

func TestAdminRevokeSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, cookie := f.create(t)

	_, err := f.svc.AddAccount(ctx, sess.ID, f.account("alice"))
	require.NoError(t, err)

	ok, err := f.svc.AdminRevokeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := f.svc.Resolve(ctx, "tenant-1", cookie)
	require.NoError(t, err)
	assert.Nil(t, state)
	_, found, _ := f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "rt-alice"))
	assert.False(t, found)

	ok, err = f.svc.AdminRevokeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminRevokeUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, _ := f.create(t)
	second, _ := f.create(t)
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		_, err := f.svc.AddAccount(ctx, id, f.account("alice"))
		require.NoError(t, err)
	}
	_, err := f.svc.AddAccount(ctx, second.ID, f.account("bob"))
	require.NoError(t, err)

	// a stray blob not attached to any live session
	require.NoError(t, f.kv.Set(ctx, kvstore.RefreshTokenKey("tenant-1", "alice", "orphan"), []byte("{}"), nil))
	require.NoError(t, f.kv.Set(ctx, kvstore.RefreshTokenKey("tenant-2", "alice", "other-tenant"), []byte("{}"), nil))

	n, err := f.svc.AdminRevokeUser(ctx, "tenant-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		accounts, err := f.repo.ListAccountSessions(ctx, id)
		require.NoError(t, err)
		for _, a := range accounts {
			assert.NotEqual(t, "alice", a.UserID)
		}
	}

	entries, _, err := f.kv.Scan(ctx, kvstore.RefreshTokenPrefix("tenant-1", "alice"), "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, found, _ := f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-1", "bob", "rt-bob"))
	assert.True(t, found, "other users untouched")
	_, found, _ = f.kv.Get(ctx, kvstore.RefreshTokenKey("tenant-2", "alice", "other-tenant"))
	assert.True(t, found, "other tenants untouched")
}

func TestTouch_Monotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.svc.Touch(ctx, sess.ID))
	later := f.now

	f.now = f.now.Add(-30 * time.Minute)
	require.NoError(t, f.svc.Touch(ctx, sess.ID))

	stored, err := f.repo.GetBrowserSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, later, stored.LastActivity)
	assert.Equal(t, int64(1), stored.Version, "touch is not versioned")
}

func TestTouch_DoesNotReviveExpiredSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, cookie := f.create(t)
	created := f.now

	f.now = f.now.Add(25 * time.Hour)
	assert.ErrorIs(t, f.svc.Touch(ctx, sess.ID), services.ErrSessionExpired)

	stored, err := f.repo.GetBrowserSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored.LastActivity)

	state, err := f.svc.Resolve(ctx, "tenant-1", cookie)
	require.NoError(t, err)
	assert.Nil(t, state)

	assert.ErrorIs(t, f.svc.Touch(ctx, uuid.New()), services.ErrSessionExpired)
}

func TestCookies(t *testing.T) {
	f := newFixture(t)

	c := f.svc.Cookie("value")
	assert.Equal(t, "__session", c.Name)
	assert.Equal(t, "value", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 30*24*3600, c.MaxAge)

	cleared := f.svc.ClearCookie()
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Empty(t, cleared.Value)
}

func TestCommitErrorIsInternal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	repo := &failingCommitRepo{SessionRepository: f.repo}
	svc := NewService(repo, f.svc.codec, nil, testConfig(), nil, nil).WithClock(f.svc.now)

	_, err := svc.AddAccount(ctx, sess.ID, f.account("alice"))
	require.Error(t, err)
	assert.True(t, services.IsInternalError(err))
	assert.False(t, errors.Is(err, services.ErrSessionConflict))
}

type failingCommitRepo struct {
	*memory.SessionRepository
}

func (r *failingCommitRepo) CommitBrowserSession(ctx context.Context, commit repositories.SessionCommit) error {
	return errors.New("disk full")
}

func TestMutationOnSweptSessionIsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess, _ := f.create(t)

	repo := &sweptDuringWriteRepo{SessionRepository: f.repo}
	svc := NewService(repo, f.svc.codec, nil, testConfig(), nil, f.metrics).WithClock(f.svc.now)

	_, err := svc.AddAccount(ctx, sess.ID, f.account("alice"))
	assert.ErrorIs(t, err, services.ErrSessionExpired)
	assert.NotErrorIs(t, err, services.ErrSessionConflict)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.SessionConflicts))
}

// sweptDuringWriteRepo deletes the session after it has been loaded, as the
// sweeper would between a read and the commit
type sweptDuringWriteRepo struct {
	*memory.SessionRepository
}

func (r *sweptDuringWriteRepo) ListAccountSessions(ctx context.Context, browserSessionID uuid.UUID) ([]*models.AccountSession, error) {
	accounts, err := r.SessionRepository.ListAccountSessions(ctx, browserSessionID)
	if err != nil {
		return nil, err
	}
	if _, err := r.SessionRepository.DeleteBrowserSession(ctx, browserSessionID); err != nil {
		return nil, err
	}
	return accounts, nil
}
