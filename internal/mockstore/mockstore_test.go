package mockstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/model"
)

func newStore() *Store {
	return New(events.NewBus(), zap.NewNop(), 0)
}

func TestAddThenFindEnabled(t *testing.T) {
	s := newStore()
	mock := &model.Mock{Fingerprint: "select * from users", Enabled: true}
	s.Add(3306, mock, false)

	got, ok := s.FindEnabled(3306, "select * from users")
	require.True(t, ok)
	assert.Equal(t, mock, got)
}

func TestAddCollisionReturnsExisting(t *testing.T) {
	s := newStore()
	first := &model.Mock{Fingerprint: "GET:/x", Response: model.Response{StatusCode: 200}}
	s.Add(80, first, false)

	second := &model.Mock{Fingerprint: "GET:/x", Response: model.Response{StatusCode: 500}}
	got := s.Add(80, second, false)
	assert.Equal(t, 200, got.Response.StatusCode)
}

func TestToggleFlipsEnabled(t *testing.T) {
	s := newStore()
	mock := &model.Mock{Fingerprint: "GET:/x", Enabled: false}
	s.Add(80, mock, false)

	got, ok := s.Toggle(80, "GET:/x")
	require.True(t, ok)
	assert.True(t, got.Enabled)
}

func TestAutoCreateOnlyWhenAbsent(t *testing.T) {
	s := newStore()
	created := s.AutoCreate(80, "GET:/x", model.Response{StatusCode: 200})
	require.NotNil(t, created)
	assert.False(t, created.Enabled)

	again := s.AutoCreate(80, "GET:/x", model.Response{StatusCode: 200})
	assert.Nil(t, again)
}

func TestCompareDetectsStatusCodeAndHeaderDifference(t *testing.T) {
	expected := model.Response{StatusCode: 200, Headers: map[string]string{"X-Custom": "a"}}
	actual := model.Response{StatusCode: 404, Headers: map[string]string{"X-Custom": "b"}}
	cmp := Compare(expected, actual)
	assert.False(t, cmp.StatusCodeMatches)
	assert.False(t, cmp.HeadersMatch)
	assert.True(t, cmp.HasDifference())
}

func TestCompareIgnoresNoiseHeaders(t *testing.T) {
	expected := model.Response{StatusCode: 200, Headers: map[string]string{"Date": "a"}}
	actual := model.Response{StatusCode: 200, Headers: map[string]string{"Date": "b"}}
	cmp := Compare(expected, actual)
	assert.True(t, cmp.HeadersMatch)
}

func TestCompareJSONBodyEquivalence(t *testing.T) {
	expected := model.Response{StatusCode: 200, Body: []byte(`{"a":1,"b":2}`)}
	actual := model.Response{StatusCode: 200, Body: []byte(`{"b":2,"a":1}`)}
	cmp := Compare(expected, actual)
	assert.True(t, cmp.BodyMatches)
	assert.False(t, cmp.HasDifference())
}

func TestAutoReplaceOnDifference(t *testing.T) {
	s := newStore()
	mock := &model.Mock{Fingerprint: "GET:/x", Enabled: true, Response: model.Response{StatusCode: 200, Body: []byte(`{"n":1}`)}}
	s.Add(80, mock, false)

	cmp, replaced := s.AutoReplaceOnDifference(80, "GET:/x", model.Response{StatusCode: 200, Body: []byte(`{"n":2}`)}, true)
	require.True(t, cmp.HasDifference())
	assert.True(t, replaced)

	got, _ := s.FindEnabled(80, "GET:/x")
	assert.Equal(t, []byte(`{"n":2}`), got.Response.Body)
}
