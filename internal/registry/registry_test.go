package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gowa-gateway/database"
	"gowa-gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRegistry(t *testing.T, backend Backend) *Registry {
	t.Helper()
	clk := &fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	r, err := New(context.Background(), backend, WithClock(clk.now))
	require.NoError(t, err)
	return r
}

func TestUpsertDefaultsAndMerge(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewFileBackend(filepath.Join(t.TempDir(), "sessions.json")))

	created, err := r.Upsert(ctx, model.SessionPatch{ID: "s1", WebhookURL: strPtr("http://hook")})
	require.NoError(t, err)
	assert.Equal(t, "s1", created.Label)
	assert.True(t, created.AutoStart)
	assert.Equal(t, "http://hook", created.WebhookURL)

	updated, err := r.Upsert(ctx, model.SessionPatch{ID: "s1", Label: strPtr("Sales"), AutoStart: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, "Sales", updated.Label)
	assert.False(t, updated.AutoStart)
	assert.Equal(t, "http://hook", updated.WebhookURL, "absent fields keep prior values")
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt), "createdAt is never overwritten")
}

func TestUpsertRejectsInvalidID(t *testing.T) {
	r := newTestRegistry(t, NewFileBackend(filepath.Join(t.TempDir(), "sessions.json")))
	for _, id := range []string{"", "..", "../etc", "a/b", "has space"} {
		_, err := r.Upsert(context.Background(), model.SessionPatch{ID: id})
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestListSortedByCreatedAt(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewFileBackend(filepath.Join(t.TempDir(), "sessions.json")))
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Upsert(ctx, model.SessionPatch{ID: id})
		require.NoError(t, err)
	}
	var ids []string
	for _, m := range r.List() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, NewFileBackend(filepath.Join(t.TempDir(), "sessions.json")))
	_, err := r.Upsert(ctx, model.SessionPatch{ID: "s1"})
	require.NoError(t, err)

	r.Remove(ctx, "s1")
	r.Remove(ctx, "s1")
	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestFileBackendRoundTripsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "sessions.json")

	r := newTestRegistry(t, NewFileBackend(path))
	first, err := r.Upsert(ctx, model.SessionPatch{ID: "s1", OwnerID: strPtr("owner-1"), WebhookSecret: strPtr("k")})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, model.SessionPatch{ID: "s2"})
	require.NoError(t, err)
	r.Remove(ctx, "s2")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"sessions"`)
	assert.Contains(t, string(raw), `"createdAt": `+strconv.FormatInt(first.CreatedAt.UnixMilli(), 10))

	reloaded := newTestRegistry(t, NewFileBackend(path))
	got, ok := reloaded.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "k", got.WebhookSecret)
	assert.Equal(t, first.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
	_, ok = reloaded.Get("s2")
	assert.False(t, ok)
}

func TestSQLBackendSQLite(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := database.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer db.Close()

	backend, err := NewSQLBackend(ctx, db, dialect)
	require.NoError(t, err)

	r := newTestRegistry(t, backend)
	_, err = r.Upsert(ctx, model.SessionPatch{ID: "s1", Label: strPtr("one")})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, model.SessionPatch{ID: "s1", WebhookURL: strPtr("http://hook")})
	require.NoError(t, err)

	reloaded := newTestRegistry(t, backend)
	got, ok := reloaded.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "one", got.Label)
	assert.Equal(t, "http://hook", got.WebhookURL)
	assert.True(t, got.AutoStart)

	r.Remove(ctx, "s1")
	metas, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestRebindPostgres(t *testing.T) {
	b := &SQLBackend{dialect: database.Postgres}
	assert.Equal(t, "DELETE FROM x WHERE a = $1 AND b = $2", b.rebind("DELETE FROM x WHERE a = ? AND b = ?"))
	b.dialect = database.MySQL
	assert.Equal(t, "a = ?", b.rebind("a = ?"))
}

type failingBackend struct{}

func (failingBackend) Load(context.Context) ([]model.SessionMeta, error) { return nil, nil }
func (failingBackend) Save(context.Context, model.SessionMeta) error     { return errors.New("disk full") }
func (failingBackend) Delete(context.Context, string) error              { return errors.New("disk full") }

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, failingBackend{})

	meta, err := r.Upsert(ctx, model.SessionPatch{ID: "s1"})
	require.NoError(t, err)
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, meta, got)

	r.Remove(ctx, "s1")
	_, ok = r.Get("s1")
	assert.False(t, ok)
}
