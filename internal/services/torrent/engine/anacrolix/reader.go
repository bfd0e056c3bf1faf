package anacrolix

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/metrics"
)

// stallReader bounds every Read by maxWait and stops after remaining bytes.
type stallReader struct {
	ctx       context.Context
	reader    ports.StreamReader
	remaining int64
	maxWait   time.Duration
	onClose   func()
	closeOnce sync.Once
}

func (r *stallReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	readCtx, cancel := context.WithTimeout(r.ctx, r.maxWait)
	defer cancel()
	r.reader.SetContext(readCtx)

	n, err := r.reader.Read(p)
	r.remaining -= int64(n)
	if err != nil && n == 0 && r.ctx.Err() == nil && errors.Is(readCtx.Err(), context.DeadlineExceeded) {
		metrics.ReadStallsTotal.Inc()
		return 0, domain.ErrStalled
	}
	return n, err
}

func (r *stallReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.reader.Close()
		if r.onClose != nil {
			r.onClose()
		}
	})
	return err
}
