package admission

import (
	"context"
	"os"

	"github.com/italolelis/postdl/internal/logctx"
)

const dirPerm = 0o755

// WritableDir grants permission when files can be created in Dir.
type WritableDir struct {
	Dir string
}

// HasStoragePermission creates Dir if needed and probes it with a temporary file.
func (w WritableDir) HasStoragePermission(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(w.Dir, dirPerm); err != nil {
		logger.Warn("download directory is not available", "dir", w.Dir, "err", err)
		return false
	}

	f, err := os.CreateTemp(w.Dir, ".postdl-probe-*")
	if err != nil {
		logger.Warn("download directory is not writable", "dir", w.Dir, "err", err)
		return false
	}

	name := f.Name()
	_ = f.Close()

	if err := os.Remove(name); err != nil {
		logger.Warn("failed to remove permission probe", "path", name, "err", err)
	}

	return true
}
