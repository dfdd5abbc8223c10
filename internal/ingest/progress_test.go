package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/openiti-search/internal/storage"
)

func TestProgress_ForwardOnly(t *testing.T) {
	p := newProgress()
	require.NoError(t, p.advance(storage.StatusParsed, -1))
	require.NoError(t, p.advance(storage.StatusIndexedLexical, 1))
	require.NoError(t, p.advance(storage.StatusIndexedVector, 1))

	// the next batch starts over at the lexical stage
	require.NoError(t, p.advance(storage.StatusIndexedLexical, 3))
	assert.Error(t, p.advance(storage.StatusIndexedLexical, 3), "no repeat")
	assert.Error(t, p.advance(storage.StatusParsed, 3), "no step back")

	require.NoError(t, p.advance(storage.StatusIndexedVector, 3))
	require.NoError(t, p.advance(storage.StatusComplete, 3))
	assert.Error(t, p.advance(storage.StatusFailed, 3), "complete is terminal")
}

func TestProgress_FailedFromAnyStage(t *testing.T) {
	for _, status := range []storage.IngestStatus{storage.StatusDiscovered, storage.StatusParsed, storage.StatusIndexedLexical} {
		p := newProgress()
		if status != storage.StatusDiscovered {
			require.NoError(t, p.advance(status, 0))
		}
		require.NoError(t, p.advance(storage.StatusFailed, 0))
		assert.True(t, p.terminal())
		assert.Error(t, p.advance(storage.StatusComplete, 5))
	}
}

func TestProgress_UnknownStatus(t *testing.T) {
	assert.Error(t, newProgress().advance("embedded", 0))
}

func TestRunLock(t *testing.T) {
	var l RunLock
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.True(t, l.Held())
	l.Release()
	assert.False(t, l.Held())
	assert.True(t, l.TryAcquire())
}
