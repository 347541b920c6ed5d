package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

func connStr(name string) string {
	return "Endpoint=sb://" + name + ".servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=key-" + name
}

func TestNamespacesAddAndLookup(t *testing.T) {
	ns := NewNamespaces()

	primary, err := ns.Add("primary", connStr("orders1"), Partitioning)
	require.NoError(t, err)
	_, err = ns.Add("audit", connStr("audit1"), Routing)
	require.NoError(t, err)

	got, ok := ns.Get("PRIMARY")
	require.True(t, ok)
	assert.True(t, got.Equal(primary))
	assert.Equal(t, "primary", got.Alias)

	found, ok := ns.Find(MustParseConnectionString(connStr("AUDIT1")))
	require.False(t, ok, "key differs in case so identities are distinct")
	assert.Empty(t, found.Alias)

	found, ok = ns.Find(MustParseConnectionString("Endpoint=sb://AUDIT1.servicebus.windows.net/;SharedAccessKeyName=SEND;SharedAccessKey=key-audit1"))
	require.True(t, ok)
	assert.Equal(t, "audit", found.Alias)

	assert.Equal(t, 2, ns.Len())
	all := ns.All()
	require.Len(t, all, 2)
	assert.Equal(t, "primary", all[0].Alias)
	assert.Equal(t, "audit", all[1].Alias)
}

func TestNamespacesAddRejectsInvalid(t *testing.T) {
	ns := NewNamespaces()

	_, err := ns.Add("", connStr("orders1"), Partitioning)
	assert.Error(t, err)

	_, err = ns.Add("bad", "not a connection string", Partitioning)
	assert.ErrorIs(t, err, errspkg.ErrInvalidFormat)
}

func TestNamespacesDuplicateAlias(t *testing.T) {
	ns := NewNamespaces()
	_, err := ns.Add("primary", connStr("orders1"), Partitioning)
	require.NoError(t, err)

	_, err = ns.Add("Primary", connStr("orders1"), Partitioning)
	assert.NoError(t, err, "same identity under the same alias is a no-op")

	_, err = ns.Add("primary", connStr("orders2"), Partitioning)
	assert.ErrorIs(t, err, errspkg.ErrDuplicateNamespace)
	assert.Equal(t, 1, ns.Len())
}

func TestForPurposeIsSortedByAlias(t *testing.T) {
	ns := NewNamespaces()
	_, _ = ns.Add("zeta", connStr("zeta01"), Partitioning)
	_, _ = ns.Add("alpha", connStr("alpha1"), Partitioning)
	_, _ = ns.Add("audit", connStr("audit1"), Routing)

	parts := ns.ForPurpose(Partitioning)
	require.Len(t, parts, 2)
	assert.Equal(t, "alpha", parts[0].Alias)
	assert.Equal(t, "zeta", parts[1].Alias)

	routing := ns.ForPurpose(Routing)
	require.Len(t, routing, 1)
	assert.Equal(t, "audit", routing[0].Alias)
}

func TestParsePurpose(t *testing.T) {
	p, err := ParsePurpose("")
	require.NoError(t, err)
	assert.Equal(t, Partitioning, p)

	p, err = ParsePurpose("Routing")
	require.NoError(t, err)
	assert.Equal(t, Routing, p)
	assert.Equal(t, "routing", p.String())

	_, err = ParsePurpose("failover")
	assert.Error(t, err)
}
