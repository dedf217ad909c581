package progress

import (
	"context"
	"io"
)

// Reader wraps an io.Reader, reports progress via a callback and stops at the next chunk
// once its context is done.
type Reader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     func(read, total int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

// NewReader wraps r. total is the expected size, or -1 when unknown. The callback runs
// at most once every interval bytes; an interval of 0 reports every chunk.
func NewReader(ctx context.Context, r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, context.Cause(pr.ctx)
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.onProgress != nil && (pr.sinceReport >= pr.reportInterval || err == io.EOF) {
			pr.onProgress(pr.totalRead, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}
