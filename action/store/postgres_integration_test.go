//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/clock"
)

// setupPostgresContainer starts a PostgreSQL container for testing, the
// same shape used across the codebase's gorm-backed integration tests.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return dsn, cleanup
}

func openTestStore(t *testing.T) *PostgresStore {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	s, err := NewPostgresStore(db, clock.NewFixed(1_700_000_000))
	require.NoError(t, err)
	return s
}

func TestCreateAndFinalizeAction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	aID, err := s.CreateAction(ctx, 1, CreateOpts{Typ: "POST", IssuerTag: "alice.example.net", Visibility: VisPublic})
	require.NoError(t, err)

	err = s.FinalizeAction(ctx, 1, aID, "a0123456789012345678901", FinalizeOpts{})
	require.NoError(t, err)

	a, err := s.GetAction(ctx, 1, aID)
	require.NoError(t, err)
	assert.Equal(t, "a0123456789012345678901", a.ActionID)
	assert.Equal(t, StatusActive, a.Status)
}

func TestFinalizeSupersedesPriorKeyHolder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	parentID, err := s.CreateAction(ctx, 1, CreateOpts{Typ: "POST", IssuerTag: "alice.example.net"})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeAction(ctx, 1, parentID, "a_parent0000000000000000", FinalizeOpts{}))
	require.NoError(t, s.UpdateActionData(ctx, 1, parentID, UpdateOpts{Reactions: intPtr(1)}))

	pid := parentID
	firstReact, err := s.CreateAction(ctx, 1, CreateOpts{Typ: "REACT", IssuerTag: "bob.example.net", ParentID: &pid, Content: []byte(`"like"`), Key: "REACT:1:bob.example.net"})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeAction(ctx, 1, firstReact, "a_react00000000000000001", FinalizeOpts{}))

	secondReact, err := s.CreateAction(ctx, 1, CreateOpts{Typ: "REACT", IssuerTag: "bob.example.net", ParentID: &pid, Content: []byte(`"love"`), Key: "REACT:1:bob.example.net"})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeAction(ctx, 1, secondReact, "a_react00000000000000002", FinalizeOpts{}))

	old, err := s.GetAction(ctx, 1, firstReact)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, old.Status, "superseded REACT must be marked Deleted")

	parent, err := s.GetAction(ctx, 1, parentID)
	require.NoError(t, err)
	assert.Equal(t, 0, parent.Reactions, "finalize must decrement the parent's counter for the superseded REACT")
}

func intPtr(i int) *int { return &i }
