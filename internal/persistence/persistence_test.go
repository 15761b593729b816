package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), zap.NewNop())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := []model.Listener{
		{ID: "a", Name: "pg", Port: 5432, UpstreamHost: "db", UpstreamPort: 5433, Protocol: model.ProtocolPostgreSQL},
		{ID: "b", Name: "web", Port: 8080, UpstreamHost: "api", UpstreamPort: 9090, Protocol: model.ProtocolHTTP},
	}
	require.NoError(t, s.Save(Paths.Proxies, in, "2026-08-01T00:00:00Z"))

	var out []model.Listener
	require.NoError(t, s.Load(Paths.Proxies, &out, 0))
	assert.Equal(t, in, out)
}

func TestSaveWritesEnvelope(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Paths.Proxies, []model.Listener{{Port: 1}}, "2026-08-01T00:00:00Z"))

	data, err := os.ReadFile(s.Path(Paths.Proxies))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "1.0", env.Version)
	assert.Equal(t, "2026-08-01T00:00:00Z", env.LastUpdated)
	assert.NotEmpty(t, env.Items)
}

func TestLoadMissingFileYieldsEmpty(t *testing.T) {
	s := newTestStore(t)
	var out []model.Listener
	require.NoError(t, s.Load(Paths.Proxies, &out, 0))
	assert.Empty(t, out)
}

func TestLoadLegacyBareArray(t *testing.T) {
	s := newTestStore(t)
	path := s.Path(Paths.Proxies)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`[{"port":5432,"protocol":"postgresql"}]`), 0o644))

	var out []model.Listener
	require.NoError(t, s.Load(Paths.Proxies, &out, 0))
	require.Len(t, out, 1)
	assert.Equal(t, 5432, out[0].Port)
}

func TestLoadCorruptFileQuarantined(t *testing.T) {
	s := newTestStore(t)
	path := s.Path(Paths.Proxies)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{{`), 0o644))

	var out []model.Listener
	err := s.Load(Paths.Proxies, &out, 1754006400000)
	require.Error(t, err)

	var perr *errs.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errs.KindPersistence, perr.Kind)
	assert.Empty(t, out)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt file should have been renamed away")
	_, statErr = os.Stat(path + ".backup-1754006400000")
	assert.NoError(t, statErr)

	// A subsequent write must succeed against the now-clean path.
	require.NoError(t, s.Save(Paths.Proxies, []model.Listener{{Port: 1}}, "x"))
	var reread []model.Listener
	require.NoError(t, s.Load(Paths.Proxies, &reread, 0))
	assert.Len(t, reread, 1)
}

func TestSaveIsIdempotentOverwrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Paths.Settings, []model.Settings{model.DefaultSettings()}, "a"))
	require.NoError(t, s.Save(Paths.Settings, []model.Settings{{MaxRequestHistory: 5}}, "b"))

	var out []model.Settings
	require.NoError(t, s.Load(Paths.Settings, &out, 0))
	require.Len(t, out, 1)
	assert.Equal(t, 5, out[0].MaxRequestHistory)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders", "orders"},
		{"my db/../etc", "my_db____etc"},
		{"a-b_c9", "a-b_c9"},
		{"", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestFilesForDispatch(t *testing.T) {
	tests := []struct {
		name     string
		listener model.Listener
		want     FileSet
	}{
		{
			name:     "plain http",
			listener: model.Listener{Port: 8080, Protocol: model.ProtocolHTTP},
			want: FileSet{
				Proxies:  "proxies.json",
				Mocks:    filepath.Join("mocks", "mocks-8080.json"),
				Requests: filepath.Join("requests", "requests-8080.json"),
			},
		},
		{
			name:     "database protocol",
			listener: model.Listener{Port: 5432, Protocol: model.ProtocolPostgreSQL, Name: "orders db"},
			want: FileSet{
				Proxies:  filepath.Join("database", "proxies.json"),
				Mocks:    filepath.Join("database", "mocks", "orders_db-mocks.json"),
				Requests: filepath.Join("database", "requests", "database-requests-5432.json"),
			},
		},
		{
			name:     "database protocol without a name",
			listener: model.Listener{Port: 6379, Protocol: model.ProtocolRedis},
			want: FileSet{
				Proxies:  filepath.Join("database", "proxies.json"),
				Mocks:    filepath.Join("database", "mocks", "redis-6379-mocks.json"),
				Requests: filepath.Join("database", "requests", "database-requests-6379.json"),
			},
		},
		{
			name:     "outgoing http",
			listener: model.Listener{Port: 9000, Protocol: model.ProtocolHTTP, Outgoing: true, UpstreamHost: "api.example.com", UpstreamPort: 443},
			want: FileSet{
				Proxies:  filepath.Join("outgoing", "proxies.json"),
				Mocks:    filepath.Join("outgoing", "mocks", "outgoing-mocks.json"),
				Requests: filepath.Join("outgoing", "requests", "api_example_com-443.json"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilesFor(tt.listener))
		})
	}
}

func TestSystemID(t *testing.T) {
	l := model.Listener{UpstreamHost: "billing.internal", UpstreamPort: 8443}
	assert.Equal(t, "billing_internal-8443", SystemID(l))
}

func TestPathLayout(t *testing.T) {
	s := New("/data", zap.NewNop())
	assert.Equal(t, filepath.Join("/data", "sniffler-data", "proxies.json"), s.Path(Paths.Proxies))
	assert.Equal(t, filepath.Join("mocks", "mocks-8080.json"), Paths.MocksForPort(8080))
	assert.Equal(t, filepath.Join("requests", "requests-8080.json"), Paths.RequestsForPort(8080))
	assert.Equal(t, filepath.Join("database", "requests", "database-requests-5432.json"), Paths.DatabaseRequests(5432))
	assert.Equal(t, filepath.Join("database", "mocks", "orders_prod-mocks.json"), Paths.DatabaseMocks("orders prod"))
}
