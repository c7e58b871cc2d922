package registry

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/client"
	"github.com/stretchr/testify/require"

	"github.com/mcp-hangar/hangar/internal/errors"
	"github.com/mcp-hangar/hangar/internal/events"
	"github.com/mcp-hangar/hangar/internal/group"
	"github.com/mcp-hangar/hangar/internal/provider"
	"github.com/mcp-hangar/hangar/internal/transport"
)

type nopBus struct{}

func (nopBus) Publish(events.Event) {}

type stubLauncher struct{}

func (stubLauncher) Kind() transport.Kind { return transport.KindSubprocess }
func (stubLauncher) Describe() string     { return "stub" }
func (stubLauncher) Stderr() []string     { return nil }
func (stubLauncher) Launch(context.Context) (*client.Client, error) {
	panic("stub launcher must not be launched")
}

func newManager(t *testing.T, id string) *provider.Manager {
	t.Helper()

	m, err := provider.NewManager(hclog.NewNullLogger(), nopBus{}, provider.Config{
		ID:       id,
		Mode:     "subprocess",
		Launcher: stubLauncher{},
	})
	require.NoError(t, err)
	return m
}

func newGroup(t *testing.T, id string, memberIDs ...string) *group.Group {
	t.Helper()

	members := make([]group.Member, 0, len(memberIDs))
	for _, m := range memberIDs {
		members = append(members, group.Member{ID: m})
	}
	g, err := group.New(hclog.NewNullLogger(), nopBus{}, group.Config{
		ID:      id,
		Members: members,
	})
	require.NoError(t, err)
	return g
}

func TestRegistry_AddAndResolve(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "p1")))
	require.NoError(t, reg.AddProvider(newManager(t, "p2")))
	require.NoError(t, reg.AddGroup(newGroup(t, "g", "p1", "p2")))

	kind, err := reg.Resolve("p1")
	require.NoError(t, err)
	require.Equal(t, TargetProvider, kind)

	kind, err = reg.Resolve("g")
	require.NoError(t, err)
	require.Equal(t, TargetGroup, kind)

	_, err = reg.Resolve("missing")
	require.ErrorIs(t, err, errors.ErrUnknownTarget)
}

func TestRegistry_IDUniqueAcrossProvidersAndGroups(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "shared")))

	err := reg.AddProvider(newManager(t, "shared"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "already registered")

	require.NoError(t, reg.AddProvider(newManager(t, "member")))
	err = reg.AddGroup(newGroup(t, "shared", "member"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "already registered")
}

func TestRegistry_GroupMemberValidation(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "p1")))

	t.Run("unknown member", func(t *testing.T) {
		t.Parallel()

		err := reg.AddGroup(newGroup(t, "g1", "p1", "ghost"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown provider")
	})
}

func TestRegistry_GroupsCannotNest(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "p1")))
	require.NoError(t, reg.AddGroup(newGroup(t, "inner", "p1")))

	err := reg.AddGroup(newGroup(t, "outer", "inner"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot nest")
}

func TestRegistry_MemberViews(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "p1")))
	require.NoError(t, reg.AddProvider(newManager(t, "p2")))

	g, err := group.New(hclog.NewNullLogger(), nopBus{}, group.Config{
		ID: "g",
		Members: []group.Member{
			{ID: "p1", Weight: 2, Priority: 1},
			{ID: "p2", Weight: 1, Priority: 2},
		},
	})
	require.NoError(t, err)
	require.NoError(t, reg.AddGroup(g))

	views := reg.MemberViews(g)
	require.Len(t, views, 2)
	require.Equal(t, "p1", views[0].ID)
	require.Equal(t, 2, views[0].Weight)
	require.Equal(t, 1, views[0].Priority)
	require.Zero(t, views[0].InFlight)
}

func TestRegistry_GroupsContaining(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "p1")))
	require.NoError(t, reg.AddProvider(newManager(t, "p2")))
	require.NoError(t, reg.AddGroup(newGroup(t, "g1", "p1")))
	require.NoError(t, reg.AddGroup(newGroup(t, "g2", "p1", "p2")))

	groups := reg.GroupsContaining("p1")
	require.Len(t, groups, 2)

	groups = reg.GroupsContaining("p2")
	require.Len(t, groups, 1)
	require.Equal(t, "g2", groups[0].ID())

	require.Empty(t, reg.GroupsContaining("unknown"))
}

func TestRegistry_ListProvidersSorted(t *testing.T) {
	t.Parallel()

	reg := New(hclog.NewNullLogger())
	require.NoError(t, reg.AddProvider(newManager(t, "zeta")))
	require.NoError(t, reg.AddProvider(newManager(t, "alpha")))

	statuses := reg.ListProviders()
	require.Len(t, statuses, 2)
	require.Equal(t, "alpha", statuses[0].ID)
	require.Equal(t, "zeta", statuses[1].ID)

	_, err := reg.ProviderStatus("missing")
	require.ErrorIs(t, err, errors.ErrUnknownTarget)
}
