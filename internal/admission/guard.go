// Package admission decides whether a submitted post link may start a new download task.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/telemetry"
)

var (
	// ErrDuplicateInFlight is returned while another task for the same link is running.
	ErrDuplicateInFlight = errors.New("download already in progress for this link")
	// ErrRecentDuplicate is returned when the link was already downloaded recently.
	ErrRecentDuplicate = errors.New("link was downloaded recently")
	// ErrPermissionDenied is returned when the download directory is not writable.
	ErrPermissionDenied = errors.New("missing storage permission")
)

// History answers whether a link already has a task that is active or recent.
type History interface {
	HasRecentTask(url string, window time.Duration) bool
}

// PermissionChecker reports whether downloads can be written.
type PermissionChecker interface {
	HasStoragePermission(ctx context.Context) bool
}

// Guard keeps the set of links currently being admitted or downloaded.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}

	history    History
	permission PermissionChecker
	telemetry  *telemetry.Telemetry
}

func NewGuard(history History, permission PermissionChecker, tel *telemetry.Telemetry) *Guard {
	return &Guard{
		inFlight:   make(map[string]struct{}),
		history:    history,
		permission: permission,
		telemetry:  tel,
	}
}

// TryAdmit adds url to the in-flight set and reports false when it was already there.
func (g *Guard) TryAdmit(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.inFlight[url]; ok {
		return false
	}

	g.inFlight[url] = struct{}{}

	return true
}

// Release removes url from the in-flight set.
func (g *Guard) Release(url string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inFlight, url)
}

// InFlight reports whether url currently holds a slot.
func (g *Guard) InFlight(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.inFlight[url]

	return ok
}

// Admit takes the in-flight slot for url and checks history and storage permission. On
// success the caller owns the slot and must Release it; on error nothing is held.
func (g *Guard) Admit(ctx context.Context, url string, window time.Duration) error {
	if !g.TryAdmit(url) {
		return g.reject(ctx, url, ErrDuplicateInFlight, "duplicate_in_flight", false)
	}

	if g.history != nil && g.history.HasRecentTask(url, window) {
		return g.reject(ctx, url, ErrRecentDuplicate, "recent_duplicate", true)
	}

	if err := g.CheckPermission(ctx); err != nil {
		return g.reject(ctx, url, err, "permission_denied", true)
	}

	g.telemetry.RecordAdmission("admitted")

	return nil
}

// AdmitInFlight is Admit without the history check, for explicit re-runs of a known task.
func (g *Guard) AdmitInFlight(ctx context.Context, url string) error {
	if !g.TryAdmit(url) {
		return g.reject(ctx, url, ErrDuplicateInFlight, "duplicate_in_flight", false)
	}

	if err := g.CheckPermission(ctx); err != nil {
		return g.reject(ctx, url, err, "permission_denied", true)
	}

	g.telemetry.RecordAdmission("admitted")

	return nil
}

// CheckPermission returns ErrPermissionDenied when the permission checker says no.
func (g *Guard) CheckPermission(ctx context.Context) error {
	if g.permission != nil && !g.permission.HasStoragePermission(ctx) {
		return ErrPermissionDenied
	}

	return nil
}

func (g *Guard) reject(ctx context.Context, url string, err error, outcome string, release bool) error {
	if release {
		g.Release(url)
	}

	logctx.LoggerFromContext(ctx).Debug("submission rejected", "url", url, "reason", outcome)
	g.telemetry.RecordAdmission(outcome)

	return err
}
