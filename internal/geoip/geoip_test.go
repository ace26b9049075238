package geoip

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resinat/edgecoord/internal/node"
)

type fixedReader struct {
	loc    node.Location
	mu     sync.Mutex
	closed bool
}

func (f *fixedReader) Lookup(netip.Addr) (node.Location, bool) { return f.loc, true }

func (f *fixedReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fixedReader) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestService_NoDatabase(t *testing.T) {
	s, err := NewService(ServiceConfig{})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	_, ok := s.LookupString("8.8.8.8")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Reload(), ErrNoDatabase)
}

func TestService_LookupAndHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "city.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	readers := []*fixedReader{
		{loc: node.Location{Region: "us-east", Country: "US"}},
		{loc: node.Location{Region: "eu-west", Country: "GB"}},
	}
	opened := 0
	s, err := NewService(ServiceConfig{
		DBPath: path,
		OpenDB: func(string) (Reader, error) {
			r := readers[opened]
			opened++
			return r, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	loc, ok := s.LookupString("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "us-east", loc.Region)

	require.NoError(t, s.Reload())
	loc, ok = s.LookupString("::ffff:1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "eu-west", loc.Region)
	assert.True(t, readers[0].isClosed())

	_, ok = s.LookupString("not-an-ip")
	assert.False(t, ok)
}

func TestService_OpenFailure(t *testing.T) {
	s, err := NewService(ServiceConfig{
		DBPath: "/nonexistent.mmdb",
		OpenDB: func(string) (Reader, error) { return nil, errors.New("bad file") },
	})
	require.NoError(t, err)
	assert.Error(t, s.Start())
}

func TestService_ReloadIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "city.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	opens := 0
	s, err := NewService(ServiceConfig{
		DBPath: path,
		OpenDB: func(string) (Reader, error) {
			opens++
			return &fixedReader{}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	s.reloadIfChanged()
	assert.Equal(t, 1, opens)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	s.reloadIfChanged()
	assert.Equal(t, 2, opens)
}

func TestNewService_InvalidSchedule(t *testing.T) {
	_, err := NewService(ServiceConfig{DBPath: "x", ReloadSchedule: "not a cron"})
	assert.Error(t, err)
}

func TestRegionFor(t *testing.T) {
	assert.Equal(t, "us-east", RegionFor("NA", -74))
	assert.Equal(t, "us-west", RegionFor("NA", -122))
	assert.Equal(t, "eu-west", RegionFor("EU", -0.1))
	assert.Equal(t, "eu-central", RegionFor("EU", 13.4))
	assert.Equal(t, "ap-northeast", RegionFor("AS", 139.7))
	assert.Equal(t, "", RegionFor("AN", 0))
}
