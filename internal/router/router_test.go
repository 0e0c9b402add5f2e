package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/router"
)

func newTestHandle(hostname string) *backend.Handle {
	return backend.NewHandle(&backend.Config{Hostname: hostname, Port: 8080})
}

func TestResolve_MissingHost(t *testing.T) {
	table := router.NewTable(nil)
	_, err := router.Resolve(table, "")
	assert.ErrorIs(t, err, router.ErrMissingHost)
}

func TestResolve_UnknownHost(t *testing.T) {
	table := router.NewTable(nil)
	_, err := router.Resolve(table, "api.local")
	assert.ErrorIs(t, err, router.ErrUnknownHost)
}

func TestResolve_ExactMatch(t *testing.T) {
	h := newTestHandle("api.local")
	table := router.NewTable(map[string]*backend.Handle{"api.local": h})

	got, err := router.Resolve(table, "api.local")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestResolve_CaseInsensitive(t *testing.T) {
	h := newTestHandle("api.local")
	table := router.NewTable(map[string]*backend.Handle{"api.local": h})

	got, err := router.Resolve(table, "API.LOCAL")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestResolve_StripsPort(t *testing.T) {
	h := newTestHandle("api.local")
	table := router.NewTable(map[string]*backend.Handle{"api.local": h})

	got, err := router.Resolve(table, "api.local:8080")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestResolve_RejectsNonASCII(t *testing.T) {
	table := router.NewTable(nil)
	_, err := router.Resolve(table, "api\xc3\xa9.local")
	assert.ErrorIs(t, err, router.ErrInvalidHost)
}

func TestResolve_RejectsOverlongHost(t *testing.T) {
	table := router.NewTable(nil)
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err := router.Resolve(table, string(long))
	assert.ErrorIs(t, err, router.ErrInvalidHost)
}

func TestTable_ReplaceSwapsWholeMap(t *testing.T) {
	h1 := newTestHandle("a.local")
	table := router.NewTable(map[string]*backend.Handle{"a.local": h1})

	h2 := newTestHandle("b.local")
	table.Replace(map[string]*backend.Handle{"b.local": h2})

	assert.Nil(t, table.Get("a.local"))
	assert.Same(t, h2, table.Get("b.local"))
}
