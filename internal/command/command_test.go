package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/mockstore"
	"github.com/sniffler/sniffler-core/internal/model"
	"github.com/sniffler/sniffler-core/internal/persistence"
	"github.com/sniffler/sniffler-core/internal/runtime"
)

func newSurface(t *testing.T) *Surface {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus()
	mocks := mockstore.New(bus, logger, 0)
	manager := runtime.NewManager(logger, bus, mocks, model.DefaultSettings(), 100)
	store := persistence.New(t.TempDir(), logger)
	return New(manager, mocks, store)
}

func TestListenerCreateAndList(t *testing.T) {
	s := newSurface(t)
	snap, err := s.ListenerCreate(CreateListenerInput{
		Port: 15432, UpstreamHost: "db", UpstreamPort: 5432,
		Protocol: model.ProtocolPostgreSQL, Name: "pg",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateCreated, snap.State)
	assert.NotEmpty(t, snap.ID)

	listed := s.ListenerList()
	require.Len(t, listed, 1)
	assert.Equal(t, 15432, listed[0].Port)
}

func TestListenerCreateDuplicatePortRejected(t *testing.T) {
	s := newSurface(t)
	_, err := s.ListenerCreate(CreateListenerInput{Port: 15432, UpstreamHost: "db", UpstreamPort: 5432, Protocol: model.ProtocolPostgreSQL})
	require.NoError(t, err)

	_, err = s.ListenerCreate(CreateListenerInput{Port: 15432, UpstreamHost: "other", UpstreamPort: 5433, Protocol: model.ProtocolMySQL})
	var cfgErr *errs.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, errs.KindConfig, cfgErr.Kind)
	assert.Equal(t, 15432, cfgErr.Port)
}

func TestListenerCreateUnknownProtocolRejected(t *testing.T) {
	s := newSurface(t)
	_, err := s.ListenerCreate(CreateListenerInput{Port: 15432, UpstreamHost: "db", UpstreamPort: 5432, Protocol: "oracle"})
	var cfgErr *errs.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, errs.KindConfig, cfgErr.Kind)
}

func TestListenerCreateOutgoing(t *testing.T) {
	s := newSurface(t)
	snap, err := s.ListenerCreate(CreateListenerInput{Port: 19000, UpstreamHost: "api.example.com", UpstreamPort: 443, Protocol: model.ProtocolHTTP, Outgoing: true})
	require.NoError(t, err)
	assert.True(t, snap.Outgoing)

	_, err = s.ListenerCreate(CreateListenerInput{Port: 19001, UpstreamHost: "db", UpstreamPort: 5432, Protocol: model.ProtocolPostgreSQL, Outgoing: true})
	var cfgErr *errs.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, errs.KindConfig, cfgErr.Kind)
}

func TestListenerUpdateName(t *testing.T) {
	s := newSurface(t)
	_, err := s.ListenerCreate(CreateListenerInput{Port: 16379, UpstreamHost: "cache", UpstreamPort: 6379, Protocol: model.ProtocolRedis, Name: "old"})
	require.NoError(t, err)

	name := "new"
	updated, err := s.ListenerUpdate(16379, UpdateListenerInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Name)
}

func TestListenerRemove(t *testing.T) {
	s := newSurface(t)
	_, err := s.ListenerCreate(CreateListenerInput{Port: 16379, UpstreamHost: "cache", UpstreamPort: 6379, Protocol: model.ProtocolRedis})
	require.NoError(t, err)

	ok, err := s.ListenerRemove(16379)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, s.ListenerList())

	_, err = s.ListenerRemove(16379)
	assert.Error(t, err)
}

func TestMockLifecycle(t *testing.T) {
	s := newSurface(t)
	added := s.MockAdd(MockAddInput{
		Port:        13306,
		Fingerprint: "select * from users",
		Response:    model.Response{Rows: []map[string]any{{"id": float64(1)}}, Fields: []string{"id"}},
		Enabled:     true,
		Name:        "users",
	})
	assert.NotEmpty(t, added.ID)
	assert.True(t, added.Enabled)

	toggled, err := s.MockToggle(13306, "select * from users")
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	enabled := true
	updated, err := s.MockUpdate(13306, "select * from users", model.Response{Rows: nil, IsError: true, ErrMessage: "boom"}, &enabled)
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	assert.True(t, updated.Response.IsError)

	listed := s.MockList(13306)
	require.Len(t, listed, 1)

	ok, err := s.MockRemove(13306, "select * from users")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, s.MockList(13306))
}

func TestMockOperationsOnMissingFingerprint(t *testing.T) {
	s := newSurface(t)
	_, err := s.MockToggle(80, "GET:/nope")
	assert.Error(t, err)
	_, err = s.MockUpdate(80, "GET:/nope", model.Response{}, nil)
	assert.Error(t, err)
	_, err = s.MockRemove(80, "GET:/nope")
	assert.Error(t, err)
}

func TestSettingsUpdateRejectsUnknownKey(t *testing.T) {
	s := newSurface(t)
	_, err := s.SettingsUpdate([]byte(`{"autoSaveAsMocks":true,"bogusKnob":1}`))
	var cfgErr *errs.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, errs.KindConfig, cfgErr.Kind)

	// The failed update must leave current settings untouched.
	assert.False(t, s.SettingsGet().AutoSaveAsMocks)
}

func TestSettingsUpdateAppliesFullObject(t *testing.T) {
	s := newSurface(t)
	cur := s.SettingsGet()
	cur.AutoSaveAsMocks = true
	cur.DeduplicationWindowMs = 250
	raw, err := json.Marshal(cur)
	require.NoError(t, err)

	got, err := s.SettingsUpdate(raw)
	require.NoError(t, err)
	assert.True(t, got.AutoSaveAsMocks)
	assert.EqualValues(t, 250, got.DeduplicationWindowMs)
	assert.Equal(t, got, s.SettingsGet())
}

func TestDataExportImportRoundTrip(t *testing.T) {
	src := newSurface(t)
	_, err := src.ListenerCreate(CreateListenerInput{Port: 15432, UpstreamHost: "db", UpstreamPort: 5432, Protocol: model.ProtocolPostgreSQL, Name: "pg"})
	require.NoError(t, err)
	_, err = src.ListenerCreate(CreateListenerInput{Port: 18080, UpstreamHost: "api", UpstreamPort: 9090, Protocol: model.ProtocolHTTP, Name: "web"})
	require.NoError(t, err)
	src.MockAdd(MockAddInput{Port: 18080, Fingerprint: "GET:/users", Response: model.Response{StatusCode: 200, Body: []byte(`{"n":1}`)}, Enabled: true})
	src.MockAdd(MockAddInput{Port: 15432, Fingerprint: "select 1", Response: model.Response{Rows: []map[string]any{{"?column?": float64(1)}}}, Enabled: false})

	bundle := src.DataExport()
	assert.Equal(t, "1.0", bundle.Version)
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)

	dst := newSurface(t)
	require.NoError(t, dst.DataImport(raw))

	byPort := map[int]model.Listener{}
	for _, l := range dst.ListenerList() {
		byPort[l.Port] = l
	}
	require.Len(t, byPort, 2)
	assert.Equal(t, "pg", byPort[15432].Name)
	assert.Equal(t, model.ProtocolHTTP, byPort[18080].Protocol)

	httpMocks := dst.MockList(18080)
	require.Len(t, httpMocks, 1)
	assert.Equal(t, "GET:/users", httpMocks[0].Fingerprint)
	assert.True(t, httpMocks[0].Enabled)

	pgMocks := dst.MockList(15432)
	require.Len(t, pgMocks, 1)
	assert.False(t, pgMocks[0].Enabled)
}

func TestDataImportRejectsUnknownTopLevelKey(t *testing.T) {
	s := newSurface(t)
	err := s.DataImport([]byte(`{"version":"1.0","surprise":[]}`))
	var cfgErr *errs.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, errs.KindConfig, cfgErr.Kind)
}

func TestOperationListUnknownPort(t *testing.T) {
	s := newSurface(t)
	_, err := s.OperationList(4242)
	assert.Error(t, err)

	ops, err := s.OperationList(0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
