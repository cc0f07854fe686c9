package exchanger

import (
	"time"

	"github.com/unixpickle/dist-train/model"
	"k8s.io/klog/v2"
)

var _ Exchanger = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	rank  int
	count int
	ex    Exchanger
}

// Logging wraps an Exchanger to log every exchange at
// verbosity 2, and every failure.
func Logging(rank int, ex Exchanger) Exchanger {
	return &loggingMiddleware{rank: rank, ex: ex}
}

func (lm *loggingMiddleware) Exchange(rec model.Recorder) (err error) {
	lm.count++
	defer func(begin time.Time) {
		if err != nil {
			klog.Errorf("rank %d: exchange %d failed after %s: %v", lm.rank, lm.count,
				time.Since(begin), err)
			return
		}
		klog.V(2).Infof("rank %d: exchange %d completed in %s", lm.rank, lm.count, time.Since(begin))
	}(time.Now())

	return lm.ex.Exchange(rec)
}
