package admission

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	recent map[string]bool
}

func (f fakeHistory) HasRecentTask(url string, _ time.Duration) bool {
	return f.recent[url]
}

type permissionFunc func() bool

func (p permissionFunc) HasStoragePermission(context.Context) bool { return p() }

func TestGuard_TryAdmitRelease(t *testing.T) {
	g := NewGuard(nil, nil, nil)

	assert.True(t, g.TryAdmit("https://x/a"))
	assert.False(t, g.TryAdmit("https://x/a"))
	assert.True(t, g.TryAdmit("https://x/b"))
	assert.True(t, g.InFlight("https://x/a"))

	g.Release("https://x/a")

	assert.False(t, g.InFlight("https://x/a"))
	assert.True(t, g.TryAdmit("https://x/a"))
}

func TestGuard_TryAdmitConcurrent(t *testing.T) {
	g := NewGuard(nil, nil, nil)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if g.TryAdmit("https://x/a") {
				admitted.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestGuard_Admit(t *testing.T) {
	allow := permissionFunc(func() bool { return true })
	deny := permissionFunc(func() bool { return false })

	tests := []struct {
		name       string
		history    History
		permission PermissionChecker
		preAdmit   bool
		wantErr    error
		wantHeld   bool
	}{
		{name: "admitted", history: fakeHistory{}, permission: allow, wantHeld: true},
		{name: "in flight", history: fakeHistory{}, permission: allow, preAdmit: true, wantErr: ErrDuplicateInFlight, wantHeld: true},
		{name: "recent", history: fakeHistory{recent: map[string]bool{"u": true}}, permission: allow, wantErr: ErrRecentDuplicate},
		{name: "no permission", history: fakeHistory{}, permission: deny, wantErr: ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(tt.history, tt.permission, nil)
			if tt.preAdmit {
				require.True(t, g.TryAdmit("u"))
			}

			err := g.Admit(context.Background(), "u", time.Hour)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.wantHeld, g.InFlight("u"))
		})
	}
}

func TestGuard_AdmitInFlightIgnoresHistory(t *testing.T) {
	g := NewGuard(fakeHistory{recent: map[string]bool{"u": true}}, nil, nil)

	require.NoError(t, g.AdmitInFlight(context.Background(), "u"))
	assert.ErrorIs(t, g.AdmitInFlight(context.Background(), "u"), ErrDuplicateInFlight)
}

func TestWritableDir(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")

		assert.True(t, WritableDir{Dir: dir}.HasStoragePermission(context.Background()))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

		assert.False(t, WritableDir{Dir: file}.HasStoragePermission(context.Background()))
	})
}
