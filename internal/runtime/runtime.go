package runtime

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// IgnoreError logs err and moves on. For writes whose failure must not
// interrupt the payment flow (caches, history).
func IgnoreError(err error) {
	if err != nil {
		log.Errorf("[runtime] ignoring error: %v", err)
	}
}

// Retry runs f up to 1+retries times, stopping on the first nil error or
// when ctx is done. The last error is returned.
func Retry(ctx context.Context, retries int, f func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = f(); err == nil {
			return nil
		}
		log.Debugf("[runtime] attempt %d failed: %v", attempt+1, err)
	}
	return err
}
