package sqlite

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/internal/storagetest"
	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "oauth2.db"))
	require.NoError(t, err)
	s.SetLogger(slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock func() time.Time) storage.Store {
		s := openTestStore(t)
		s.SetClock(clock)
		return s
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oauth2.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	testutil.RegisterClient(t, s, "persisted")
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	c, err := reopened.GetClient(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.TestRedirectURI}, c.RedirectURIs)

	var applied int
	require.NoError(t, reopened.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestStore_CreateTokenUnknownClient(t *testing.T) {
	s := openTestStore(t)

	err := s.CreateToken(context.Background(), &storage.Token{ClientID: "ghost", AccessToken: "a", ExpiresIn: 10})
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestStore_RedirectURIOrderPreserved(t *testing.T) {
	s := openTestStore(t)
	uris := []string{"https://z.example/cb", "https://a.example/cb", "https://m.example/cb"}
	testutil.RegisterClient(t, s, "ordered", testutil.WithRedirectURIs(uris...))

	c, err := s.GetClient(context.Background(), "ordered")
	require.NoError(t, err)
	assert.Equal(t, uris, c.RedirectURIs)

	list, err := s.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uris, list[0].RedirectURIs)
}

func TestStore_DeleteExpiredCodes(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	s := openTestStore(t)
	s.SetClock(clock.Now)
	testutil.RegisterClient(t, s, "c")

	for i, ttl := range []time.Duration{time.Second, time.Hour} {
		require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
			Code:      []string{"short", "long"}[i],
			ClientID:  "c",
			CreatedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(ttl),
		}))
	}

	n, err := s.DeleteExpiredCodes(ctx, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetAuthorizationCode(ctx, "long")
	assert.NoError(t, err)
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE t (x INT);\n-- +migrate Down\nDROP TABLE t;\n"
	assert.Equal(t, "\nCREATE TABLE t (x INT);\n", extractUpMigration(content))
	assert.Equal(t, "SELECT 1;", extractUpMigration("SELECT 1;"))
}
