package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StartReclaimer runs ReclaimStuck for both kinds every interval until the returned stop function is called or
// ctx is done. A non-positive interval starts nothing.
func (s Service) StartReclaimer(ctx context.Context, interval, timeout time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.Ticker(interval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reclaimAll(ctx, timeout)
			}
		}
	}()

	logrus.Infof("reclaiming stuck deliverables every %s after %s", interval, timeout)
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (s Service) reclaimAll(ctx context.Context, timeout time.Duration) {
	for _, kind := range []Kind{CredentialKind, PresentationKind} {
		if _, err := s.ReclaimStuck(ctx, kind, timeout); err != nil {
			logrus.WithError(err).Errorf("reclaiming stuck %s deliverables", kind)
		}
	}
}
