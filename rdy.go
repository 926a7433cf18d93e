package nsq

import (
	"math"
	"math/rand"
	"time"
)

// perConnMaxInFlight computes the per-connection RDY budget spec.md §4.5.1
// defines: clamp(floor(maxInFlight / n), 1, maxInFlight). Note: the source
// this spec was distilled from misspells this name; spec.md §9 calls out the
// correct spelling, which is what's used here.
func perConnMaxInFlight(maxInFlight int64, n int) int64 {
	if maxInFlight <= 0 {
		return 0
	}
	if n <= 0 {
		return maxInFlight
	}
	count := maxInFlight / int64(n)
	if count < 1 {
		count = 1
	}
	if count > maxInFlight {
		count = maxInFlight
	}
	return count
}

// maxBackoffLevel derives the ceiling on the backoff counter from the
// configured max backoff duration, per spec.md §4.5.2:
// max(1, ceil(log2(maxBackoffDuration_seconds))).
func maxBackoffLevel(maxBackoffDuration time.Duration) int {
	seconds := maxBackoffDuration.Seconds()
	if seconds < 1 {
		seconds = 1
	}
	level := int(math.Ceil(math.Log2(seconds)))
	if level < 1 {
		level = 1
	}
	return level
}

// computeBackoffDuration returns the backoff hold duration for the given
// counter value, per spec.md §4.5.2:
// d = min(backoffMultiplier * 2^counter + jitter, maxBackoffDuration).
// jitter is supplied by the caller (rather than generated here) so the
// arithmetic itself stays deterministic and unit-testable.
func computeBackoffDuration(multiplier time.Duration, counter int, jitter, maxDuration time.Duration) time.Duration {
	if counter < 0 {
		counter = 0
	}
	backoff := multiplier * time.Duration(1<<uint(counter))
	backoff += jitter
	if backoff > maxDuration {
		backoff = maxDuration
	}
	if backoff < 0 {
		backoff = maxDuration
	}
	return backoff
}

// rdyJitter returns a small random duration in [0, multiplier) to avoid
// every consumer in a fleet re-probing in lockstep; mirrors spec.md §4.4's
// poll jitter but applied to backoff scheduling instead, per DESIGN NOTES §9
// ("a single cryptographically-seeded PRNG per Consumer is sufficient").
func rdyJitter(rng *rand.Rand, multiplier time.Duration) time.Duration {
	if multiplier <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(multiplier)))
}

// --- orchestration: these methods close over Consumer's connection map and
// backoff state; the arithmetic above is kept free of goroutines/mutexes
// specifically so it can be tested without a live Consumer (spec.md §8).

// maybeUpdateRDY is a no-op while backoff holds the connection set at RDY 0
// (spec.md §4.5.1), or while c is closing. Otherwise it recomputes the
// target RDY count, clamps it to the server-advertised max, and sends RDY
// when lastRdyCount is zero, when the target differs from lastRdyCount, or
// when the RDY remaining (lastRdyCount minus messages in flight) has fallen
// to 25% of lastRdyCount or less.
func (q *Consumer) maybeUpdateRDY(c *Connection) {
	if c.IsClosing() {
		return
	}
	if q.inBackoff() {
		return
	}

	count := perConnMaxInFlight(q.getMaxInFlight(), q.connCount())
	if max := c.MaxRDY(); max > 0 && count > max {
		count = max
	}

	last := c.LastRDY()
	inFlight := c.MessagesInFlight()
	remaining := last - inFlight

	needsUpdate := last == 0 || count != last || remaining <= last/4
	if !needsUpdate {
		return
	}

	if err := c.SetRDY(count); err != nil {
		logf(q.logger, "[%s] error sending RDY %d - %s", c, count, err)
		return
	}
	q.metrics.RDYChanged(c.Address(), count)
}

// updateRDYForAllConns calls maybeUpdateRDY on every live connection;
// invoked whenever the connection count changes or MaxInFlight is
// reconfigured (spec.md §4.5.1).
func (q *Consumer) updateRDYForAllConns() {
	for _, c := range q.connectionSnapshot() {
		q.maybeUpdateRDY(c)
	}
}

func (q *Consumer) inBackoff() bool {
	q.backoffMu.Lock()
	defer q.backoffMu.Unlock()
	return q.backoffCounter > 0
}

// onConnBackoff implements spec.md §4.5.2's failure transition: increment
// the shared backoff counter (capped at maxBackoffLevel) and, on entering or
// continuing backoff, send RDY 0 to every connection and arm the one-shot
// probe timer.
func (q *Consumer) onConnBackoff() {
	q.backoffMu.Lock()
	if q.backoffCounter < q.maxBackoffLvl {
		q.backoffCounter++
	}
	counter := q.backoffCounter
	q.backoffMu.Unlock()

	q.enterOrContinueBackoff(counter)
}

// onConnResume implements the success transition: decrement the counter (if
// positive); at zero, exit backoff and restore steady-state RDY everywhere.
func (q *Consumer) onConnResume() {
	q.backoffMu.Lock()
	if q.backoffCounter == 0 {
		q.backoffMu.Unlock()
		return
	}
	q.backoffCounter--
	counter := q.backoffCounter
	q.backoffMu.Unlock()

	if counter == 0 {
		q.exitBackoff()
		return
	}
	q.enterOrContinueBackoff(counter)
}

func (q *Consumer) enterOrContinueBackoff(counter int) {
	jitter := rdyJitter(q.rng, q.config.BackoffMultiplier)
	d := computeBackoffDuration(q.config.BackoffMultiplier, counter, jitter, q.config.MaxBackoffDuration)

	q.backoffMu.Lock()
	q.backoffDuration = d
	if q.backoffTimer != nil {
		q.backoffTimer.Stop()
	}
	q.backoffTimer = time.AfterFunc(d, q.onBackoffTimerFired)
	q.backoffMu.Unlock()

	for _, c := range q.connectionSnapshot() {
		if err := c.SetRDY(0); err != nil {
			logf(q.logger, "[%s] error sending RDY 0 during backoff - %s", c, err)
		}
	}
	logf(q.logger, "backoff entered, counter=%d duration=%s", counter, d)
}

func (q *Consumer) exitBackoff() {
	q.backoffMu.Lock()
	q.backoffDuration = 0
	if q.backoffTimer != nil {
		q.backoffTimer.Stop()
		q.backoffTimer = nil
	}
	q.backoffMu.Unlock()

	logf(q.logger, "backoff resolved, restoring RDY")
	q.updateRDYForAllConns()
}

// onBackoffTimerFired is the one-shot test probe: pick one live connection
// uniformly at random and grant it RDY 1, per spec.md §4.5.2.
func (q *Consumer) onBackoffTimerFired() {
	if !q.inBackoff() {
		return
	}
	conns := q.connectionSnapshot()
	if len(conns) == 0 {
		return
	}
	q.rngMu.Lock()
	idx := q.rng.Intn(len(conns))
	q.rngMu.Unlock()

	probe := conns[idx]
	if err := probe.SetRDY(1); err != nil {
		logf(q.logger, "[%s] error sending probe RDY 1 - %s", probe, err)
		return
	}
	logf(q.logger, "[%s] sent test probe RDY 1", probe)
}

// redistributeRDY implements spec.md §4.5.3: when there are more
// connections than MaxInFlight, or a connection has been idle with RDY > 0
// longer than LowRdyIdleTimeout, steal RDY from idle connections and hand
// it, one at a time, to starved ones — bounded by the remaining budget
// (maxInFlight - sum(lastRdyCount)).
func (q *Consumer) redistributeRDY() {
	if q.inBackoff() {
		return
	}

	conns := q.connectionSnapshot()
	maxInFlight := q.getMaxInFlight()
	if maxInFlight <= 0 {
		return
	}

	n := len(conns)
	if n == 0 {
		return
	}

	needsRedistribute := int64(n) > maxInFlight
	var sumLastRDY int64
	now := time.Now()
	var idle []*Connection
	for _, c := range conns {
		sumLastRDY += c.LastRDY()
		if c.LastRDY() > 0 && now.Sub(c.LastMessageTime()) > q.config.LowRdyIdleTimeout {
			needsRedistribute = true
			idle = append(idle, c)
		}
	}
	if !needsRedistribute {
		return
	}

	available := maxInFlight - sumLastRDY
	if available <= 0 {
		// reclaim RDY from idle connections so starved ones have a chance
		for _, c := range idle {
			if err := c.SetRDY(0); err != nil {
				logf(q.logger, "[%s] error reclaiming RDY - %s", c, err)
				continue
			}
			available++
		}
	}
	if available <= 0 {
		return
	}

	var candidates []*Connection
	for _, c := range conns {
		if c.LastRDY() == 0 && !c.IsClosing() {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return
	}

	q.rngMu.Lock()
	q.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	q.rngMu.Unlock()

	grant := available
	if int64(len(candidates)) < grant {
		grant = int64(len(candidates))
	}
	for i := int64(0); i < grant; i++ {
		c := candidates[i]
		if err := c.SetRDY(1); err != nil {
			logf(q.logger, "[%s] error granting redistributed RDY 1 - %s", c, err)
		}
	}
}
