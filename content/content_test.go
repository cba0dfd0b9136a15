package content

import (
	"errors"
	"testing"

	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSource implements interfaces.ContentSource for testing
type MockSource struct {
	mock.Mock
}

func (m *MockSource) LoadContentData(id interfaces.ContentID) ([]byte, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSource) RemoveContent(id interfaces.ContentID) error {
	args := m.Called(id)
	return args.Error(0)
}

func TestStored_Bytes(t *testing.T) {
	src := new(MockSource)
	src.On("LoadContentData", interfaces.ContentID(7)).Return([]byte("hello"), nil)

	c := NewStored(7, src)
	data, err := c.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, interfaces.ContentID(7), c.ID())
	src.AssertExpectations(t)
}

func TestStored_BytesWrapsError(t *testing.T) {
	src := new(MockSource)
	src.On("LoadContentData", interfaces.ContentID(3)).Return(nil, interfaces.ErrStorageBroken)

	c := NewStored(3, src)
	_, err := c.Bytes()
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrStorageBroken)
	assert.False(t, c.IsAvailable())
}

func TestStored_Purge(t *testing.T) {
	src := new(MockSource)
	src.On("RemoveContent", interfaces.ContentID(5)).Return(nil).Once()

	require.NoError(t, NewStored(5, src).Purge())
	src.AssertExpectations(t)

	failing := new(MockSource)
	failing.On("RemoveContent", interfaces.ContentID(5)).Return(errors.New("disk full"))
	assert.Error(t, NewStored(5, failing).Purge())
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable.Bytes()
	assert.ErrorIs(t, err, interfaces.ErrContentUnavailable)
	assert.False(t, Unavailable.IsAvailable())
	assert.NoError(t, Unavailable.Purge())
	assert.Equal(t, interfaces.UnavailableID, Unavailable.ID())
	assert.Panics(t, func() { MustBytes(Unavailable) })
}

func TestBytes(t *testing.T) {
	c := NewBytes([]byte("abc"))
	assert.True(t, c.IsAvailable())
	assert.NoError(t, c.Purge())
	assert.Equal(t, []byte("abc"), MustBytes(c))
	assert.Equal(t, interfaces.UnavailableID, c.ID())
}

func TestEqual(t *testing.T) {
	src := new(MockSource)
	other := new(MockSource)

	tests := []struct {
		name     string
		a, b     Content
		expected bool
	}{
		{"same stored id", NewStored(1, src), NewStored(1, src), true},
		{"different stored id", NewStored(1, src), NewStored(2, src), false},
		{"different source", NewStored(1, src), NewStored(1, other), false},
		{"equal bytes distinct slices", NewBytes([]byte("x")), NewBytes([]byte("x")), true},
		{"different bytes", NewBytes([]byte("x")), NewBytes([]byte("y")), false},
		{"unavailable", Unavailable, Unavailable, true},
		{"stored vs unavailable", NewStored(1, src), Unavailable, false},
		{"bytes vs stored", NewBytes(nil), NewStored(1, src), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Equal(tt.b))
			assert.Equal(t, tt.expected, tt.b.Equal(tt.a))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	src := new(MockSource)
	src.On("LoadContentData", interfaces.ContentID(42)).Return([]byte("payload"), nil)

	id, err := Encode(NewStored(42, src))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ContentID(42), id)

	decoded := Decode(id, src)
	assert.True(t, decoded.Equal(NewStored(42, src)))
	assert.Equal(t, []byte("payload"), MustBytes(decoded))

	id, err = Encode(Unavailable)
	require.NoError(t, err)
	assert.Equal(t, Unavailable, Decode(id, src))

	_, err = Encode(NewBytes([]byte("x")))
	assert.ErrorIs(t, err, interfaces.ErrNotPersistable)
}

func TestStored_Source(t *testing.T) {
	src := new(MockSource)
	c := NewStored(4, src)
	assert.Same(t, src, c.Source())
	assert.Equal(t, "stored(4)", c.String())
	src.AssertNotCalled(t, "LoadContentData", mock.Anything)
}
