package aedir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedAndResolve(t *testing.T) {
	d := New()
	require.NoError(t, d.Seed("WS1=10.0.0.5:104, ws2=archive.local:11112"))

	dest, err := d.Resolve("WS1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", dest.Host)
	assert.Equal(t, 104, dest.Port)

	// Lookup is case-insensitive.
	dest, err = d.Resolve("Ws2")
	require.NoError(t, err)
	assert.Equal(t, "archive.local", dest.Host)
}

func TestSeedRejectsMalformedEntries(t *testing.T) {
	assert.Error(t, New().Seed("WS1-10.0.0.5:104"))
	assert.Error(t, New().Seed("WS1=10.0.0.5"))
	assert.Error(t, New().Seed("WS1=10.0.0.5:notaport"))
	assert.NoError(t, New().Seed(""))
}

func TestResolveUnknownWithoutFallback(t *testing.T) {
	d := New()
	_, err := d.Resolve("NOPE")
	assert.ErrorIs(t, err, ErrUnknownDestination)
}

func TestResolveUnknownWithFallback(t *testing.T) {
	d := New()
	d.SetFallback("fallback.local", 104)

	dest, err := d.Resolve("anything")
	require.NoError(t, err)
	assert.Equal(t, "fallback.local", dest.Host)
	assert.Equal(t, 104, dest.Port)
	assert.Equal(t, "ANYTHING", dest.AETitle)
}

func TestUpsertRemoveList(t *testing.T) {
	d := New()
	d.Upsert(Destination{AETitle: "B", Host: "b.local", Port: 104})
	d.Upsert(Destination{AETitle: "A", Host: "a.local", Port: 104})
	d.Upsert(Destination{AETitle: "a", Host: "a2.local", Port: 105})

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a2.local", list[0].Host, "upsert replaces case-insensitively")

	assert.True(t, d.Remove("A"))
	assert.False(t, d.Remove("A"))
}
