package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixitnow/internal/db"
	"fixitnow/internal/domain"
	"fixitnow/internal/migrate"
	"fixitnow/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func addWorker(t *testing.T, r repo.Repo, id string, available bool, cats ...domain.Category) {
	t.Helper()
	err := r.UpsertWorker(context.Background(), nil, domain.Worker{
		ID: id, Categories: cats, Available: available,
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
}

func TestMatchIsCategoryExact(t *testing.T) {
	r := newTestRepo(t)
	addWorker(t, r, "w-plumb", true, domain.CategoryPlumbing)
	addWorker(t, r, "w-multi", true, domain.CategoryElectrical, domain.CategoryPlumbing)
	addWorker(t, r, "w-elec", true, domain.CategoryElectrical)
	addWorker(t, r, "w-none", true)

	m := New(r, false)
	for _, cat := range domain.Categories {
		got, err := m.Match(context.Background(), domain.Issue{ID: "i1", Category: cat})
		require.NoError(t, err)
		for _, id := range got {
			w, err := r.GetWorker(context.Background(), nil, id)
			require.NoError(t, err)
			assert.Contains(t, w.Categories, cat, "worker %s matched %s", id, cat)
		}
	}

	got, err := m.Match(context.Background(), domain.Issue{ID: "i1", Category: domain.CategoryPlumbing})
	require.NoError(t, err)
	assert.Equal(t, []string{"w-multi", "w-plumb"}, got)

	got, err = m.Match(context.Background(), domain.Issue{ID: "i2", Category: domain.CategoryHVAC})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMatchRequireAvailable(t *testing.T) {
	r := newTestRepo(t)
	addWorker(t, r, "w-on", true, domain.CategoryVehicle)
	addWorker(t, r, "w-off", false, domain.CategoryVehicle)

	all, err := New(r, false).Match(context.Background(), domain.Issue{Category: domain.CategoryVehicle})
	require.NoError(t, err)
	assert.Equal(t, []string{"w-off", "w-on"}, all)

	avail, err := New(r, true).Match(context.Background(), domain.Issue{Category: domain.CategoryVehicle})
	require.NoError(t, err)
	assert.Equal(t, []string{"w-on"}, avail)
}

type staticSource struct {
	ids []string
	err error
}

func (s staticSource) WorkerIDs(context.Context, repo.WorkerFilter) ([]string, error) {
	return s.ids, s.err
}

func TestMatchDedupesAndWrapsErrors(t *testing.T) {
	got, err := New(staticSource{ids: []string{"b", "a", "b", ""}}, false).Match(context.Background(), domain.Issue{Category: domain.CategoryGeneral})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	boom := errors.New("db down")
	_, err = New(staticSource{err: boom}, false).Match(context.Background(), domain.Issue{ID: "x", Category: domain.CategoryGeneral})
	assert.ErrorIs(t, err, boom)
}
