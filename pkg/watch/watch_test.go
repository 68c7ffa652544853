package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFolder(t *testing.T, dir string, modified time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	file := filepath.Join(dir, "IM1.dcm")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(file, modified, modified))
	require.NoError(t, os.Chtimes(dir, modified, modified))
}

func TestScanHandlesSettledFoldersOnce(t *testing.T) {
	inbox := t.TempDir()
	now := time.Now()
	makeFolder(t, filepath.Join(inbox, "Case2"), now.Add(-2*time.Minute))
	makeFolder(t, filepath.Join(inbox, "Case10"), now.Add(-2*time.Minute))
	makeFolder(t, filepath.Join(inbox, "Fresh"), now)
	makeFolder(t, filepath.Join(inbox, "Case2_Processed"), now.Add(-2*time.Minute))

	var calls []string
	w := New(inbox, time.Second, time.Minute, "", func(ctx context.Context, dir string) error {
		calls = append(calls, filepath.Base(dir))
		return nil
	}, zerolog.Nop())
	w.now = func() time.Time { return now }

	handled, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, handled, 2)
	assert.Equal(t, []string{"Case2", "Case10"}, calls)

	// the same folders are not handled again
	handled, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handled)

	// once the fresh folder settles it is picked up
	w.now = func() time.Time { return now.Add(2 * time.Minute) }
	handled, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(inbox, "Fresh")}, handled)
}

func TestRunStopsOnCancel(t *testing.T) {
	inbox := t.TempDir()
	makeFolder(t, filepath.Join(inbox, "Case1"), time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	w := New(inbox, 10*time.Millisecond, time.Minute, "", func(ctx context.Context, dir string) error {
		cancel()
		return nil
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestScanMissingInbox(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), time.Second, 0, "", nil, zerolog.Nop())
	_, err := w.Scan(context.Background())
	assert.Error(t, err)
}
