package archive

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticSource map[interfaces.ContentID][]byte

func (s staticSource) LoadContentData(id interfaces.ContentID) ([]byte, error) {
	if d, ok := s[id]; ok {
		return d, nil
	}
	return nil, interfaces.ErrContentRemoved
}

func (s staticSource) RemoveContent(id interfaces.ContentID) error {
	delete(s, id)
	return nil
}

func TestExporter_Export(t *testing.T) {
	src := staticSource{1: []byte("one"), 2: []byte("two"), 4: []byte("four")}
	contents := []content.Content{
		content.NewStored(1, src),
		content.NewStored(2, src),
		content.NewStored(3, src),
		content.Unavailable,
		content.NewBytes([]byte("scratch")),
		content.NewStored(4, src),
	}

	backend := &MockBackend{name: "mock"}
	backend.On("Available", mock.Anything).Return(true)
	backend.On("Store", mock.Anything, interfaces.ContentID(1), []byte("one")).Return(nil)
	backend.On("Store", mock.Anything, interfaces.ContentID(2), []byte("two")).Return(nil)
	backend.On("Store", mock.Anything, interfaces.ContentID(4), []byte("four")).Return(errors.New("disk full"))

	report, err := NewExporter(backend, discardLogger()).Export(context.Background(), contents)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, Report{Exported: 2, Skipped: 3, Failed: 1}, report)
	backend.AssertExpectations(t)
}

func TestExporter_UnavailableBackend(t *testing.T) {
	backend := &MockBackend{name: "mock"}
	backend.On("Available", mock.Anything).Return(false)

	report, err := NewExporter(backend, nil).Export(context.Background(), []content.Content{content.Unavailable})
	assert.Error(t, err)
	assert.Zero(t, report)
}

func TestExporter_Cancelled(t *testing.T) {
	backend := &MockBackend{name: "mock"}
	backend.On("Available", mock.Anything).Return(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExporter(backend, nil).Export(ctx, []content.Content{content.Unavailable})
	assert.ErrorIs(t, err, context.Canceled)
}
