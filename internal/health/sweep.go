package health

import (
	"context"
	"sync"

	logx "tgblast/pkg/logx"
)

const (
	sweepConcurrency  = 10
	progressEveryDone = 5
)

// Summary buckets the sweep results.
type Summary struct {
	Unlimited  int
	Limited    int
	Restricted int
	Banned     int
	Total      int
}

// CheckAll probes every messaging account with bounded concurrency and
// reports progress to cb every few completions. Meant for manual bulk
// sweeps, not the per-send hot path.
func (o *Oracle) CheckAll(ctx context.Context, cb func(done, total int)) (Summary, error) {
	accounts, err := o.accounts.MessagingAccounts(ctx)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sum  = Summary{Total: len(accounts)}
		done int
		sem  = make(chan struct{}, sweepConcurrency)
	)
	for _, acc := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			st := o.Check(ctx, id)

			mu.Lock()
			switch st {
			case StatusActive:
				sum.Unlimited++
			case StatusLimited:
				sum.Limited++
			case StatusBanned:
				sum.Banned++
			default:
				sum.Restricted++
			}
			done++
			n := done
			mu.Unlock()

			if cb != nil && (n%progressEveryDone == 0 || n == len(accounts)) {
				cb(n, len(accounts))
			}
		}(acc.ID)
	}
	wg.Wait()

	o.log.Info("health sweep finished",
		logx.Int("total", sum.Total), logx.Int("unlimited", sum.Unlimited),
		logx.Int("limited", sum.Limited), logx.Int("restricted", sum.Restricted),
		logx.Int("banned", sum.Banned))
	return sum, nil
}
