package guard

import "io"

// LimitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) as consumed so a subprocess never
// blocks on a full pipe once the cap is reached.
type LimitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
	clipped bool
}

// NewLimitedWriter caps writes to w at limit bytes.
func NewLimitedWriter(w io.Writer, limit int64) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		if total > 0 {
			lw.clipped = true
		}
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		lw.clipped = true
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

// Truncated reports whether the cap dropped any bytes.
func (lw *LimitedWriter) Truncated() bool { return lw.clipped }
