package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	migrations, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].Version, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='project_stages'`).Scan(&n))
	require.Equal(t, 1, n)
}
