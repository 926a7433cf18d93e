package nsq

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bitly/go-simplejson"
)

// lookupHTTPClient issues GET requests against a single nsqlookupd HTTP
// endpoint. Grounded on the teacher's vendored
// Godeps/_workspace/src/github.com/bitly/nsq/util/lookupd/lookupd.go, whose
// ApiRequest/go-simplejson idiom (decode into a loosely-typed document, pull
// fields with MustString/MustInt) is kept; the fan-out-over-many-lookupd
// shape collapses to one poll per endpoint since Consumer itself owns the
// fan-out across its configured lookupEndpoints.
type lookupHTTPClient struct {
	httpClient *http.Client
}

func newLookupHTTPClient(timeout time.Duration) *lookupHTTPClient {
	return &lookupHTTPClient{httpClient: &http.Client{Timeout: timeout}}
}

// queryProducers asks a single lookupd endpoint for the broker TCP
// addresses currently producing topic, per spec.md §4.4's
// "GET /lookup?topic=<topic>" contract.
func (lc *lookupHTTPClient) queryProducers(endpoint, topic string) ([]string, error) {
	u := fmt.Sprintf("http://%s/lookup?topic=%s", endpoint, url.QueryEscape(topic))

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := lc.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// topic has no known producers yet; not an error
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsq: lookupd %s returned status %d", endpoint, resp.StatusCode)
	}

	data, err := simplejson.NewFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nsq: lookupd %s returned invalid JSON - %w", endpoint, err)
	}

	producers, err := data.Get("producers").Array()
	if err != nil {
		return nil, nil
	}

	addrs := make([]string, 0, len(producers))
	for i := range producers {
		p := data.Get("producers").GetIndex(i)
		broadcastAddress := p.Get("broadcast_address").MustString()
		tcpPort := p.Get("tcp_port").MustInt()
		if broadcastAddress == "" || tcpPort == 0 {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", broadcastAddress, tcpPort))
	}
	return addrs, nil
}

// lookupPollLoop is the Consumer background task that periodically queries
// one configured lookupd endpoint, round-robin, per tick, and connects to
// any newly discovered producer (spec.md §4.4). The initial delay is
// jittered so a fleet of consumers restarting together doesn't converge on
// lookupd in lockstep.
func (q *Consumer) lookupPollLoop() {
	defer q.runningWg.Done()

	client := newLookupHTTPClient(q.config.DialTimeout + q.config.ReadTimeout)

	initialWindow := time.Duration(float64(q.config.LookupdPollInterval) * q.config.LookupdPollJitter)
	if initialWindow <= 0 {
		initialWindow = time.Second
	}
	q.rngMu.Lock()
	jitter := time.Duration(q.rng.Int63n(int64(initialWindow)))
	q.rngMu.Unlock()

	select {
	case <-time.After(jitter):
	case <-q.exitChan:
		return
	}

	ticker := time.NewTicker(q.jitteredPollInterval())
	defer ticker.Stop()

	q.pollLookupd(client)

	for {
		select {
		case <-ticker.C:
			q.pollLookupd(client)
		case <-q.lookupRecheckChan:
			q.pollLookupd(client)
		case <-q.exitChan:
			return
		}
	}
}

func (q *Consumer) jitteredPollInterval() time.Duration {
	base := q.config.LookupdPollInterval
	if base <= 0 {
		base = time.Minute
	}
	q.rngMu.Lock()
	jitter := time.Duration(float64(base) * q.config.LookupdPollJitter * q.rng.Float64())
	q.rngMu.Unlock()
	return base + jitter
}

// pollLookupd queries a single configured lookupd endpoint, advancing the
// round-robin cursor so the next tick hits the next endpoint (spec.md §4.4
// step 2) rather than fanning out to every endpoint at once.
func (q *Consumer) pollLookupd(client *lookupHTTPClient) {
	endpoint, ok := q.nextLookupEndpoint()
	if !ok {
		return
	}

	addrs, err := client.queryProducers(endpoint, q.topic)
	if err != nil {
		logf(q.logger, "[%s] lookupd query failed - %s", endpoint, err)
		return
	}

	for _, addr := range addrs {
		err := q.connect(addr)
		if err == nil {
			continue
		}
		switch err.(type) {
		case ErrAlreadyConnected:
			// already connected or in the process of connecting
		default:
			logf(q.logger, "[%s] lookupd-discovered connect failed - %s", addr, err)
		}
	}
}

// nextLookupEndpoint returns the next lookupd endpoint in round-robin order
// and advances the cursor. The cursor is clamped to the current endpoint
// count on each call so it self-heals after ConnectToNSQLookupd or
// DisconnectFromNSQLookupd change the set.
func (q *Consumer) nextLookupEndpoint() (string, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	n := len(q.lookupEndpoints)
	if n == 0 {
		return "", false
	}
	if q.lookupRRIdx >= n {
		q.lookupRRIdx = 0
	}
	endpoint := q.lookupEndpoints[q.lookupRRIdx]
	q.lookupRRIdx = (q.lookupRRIdx + 1) % n
	return endpoint, true
}
