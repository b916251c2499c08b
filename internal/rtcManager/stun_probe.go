package rtcManager

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ProbeResult is the outcome of one STUN binding request.
type ProbeResult struct {
	URL    string
	Mapped string
	RTT    time.Duration
	Err    error
}

// ProbeSTUN sends a binding request to every stun: URL in servers and
// logs the ones that do not answer within timeout. TURN URLs are skipped.
func ProbeSTUN(ctx context.Context, servers []webrtc.ICEServer, timeout time.Duration, logger *zap.Logger) []ProbeResult {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("stun")

	var urls []string
	for _, s := range servers {
		for _, u := range s.URLs {
			uri, err := stun.ParseURI(u)
			if err != nil {
				logger.Warn("Skipping unparsable ICE server URL", zap.String("url", u), zap.Error(err))
				continue
			}
			if uri.Scheme == stun.SchemeTypeSTUN {
				urls = append(urls, u)
			}
		}
	}

	results := make([]ProbeResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i] = probeOne(ctx, u, timeout)
		}(i, u)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			logger.Warn("STUN server unreachable", zap.String("url", r.URL), zap.Error(r.Err))
			continue
		}
		logger.Info("STUN server reachable",
			zap.String("url", r.URL),
			zap.String("mapped", r.Mapped),
			zap.Duration("rtt", r.RTT))
	}
	return results
}

func probeOne(ctx context.Context, rawURL string, timeout time.Duration) ProbeResult {
	res := ProbeResult{URL: rawURL}

	uri, err := stun.ParseURI(rawURL)
	if err != nil {
		res.Err = err
		return res
	}
	addr := net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := stun.Dial("udp", addr)
	if err != nil {
		res.Err = fmt.Errorf("failed to dial %s: %w", addr, err)
		return res
	}
	defer c.Close()

	type outcome struct {
		mapped string
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var out outcome
		if err := c.Do(message, func(ev stun.Event) {
			if ev.Error != nil {
				out.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				out.err = fmt.Errorf("no mapped address in response: %w", err)
				return
			}
			out.mapped = xorAddr.String()
		}); err != nil {
			out.err = err
		}
		done <- out
	}()

	select {
	case out := <-done:
		res.Mapped, res.Err = out.mapped, out.err
		res.RTT = time.Since(start)
	case <-ctx.Done():
		res.Err = fmt.Errorf("binding request to %s: %w", addr, ctx.Err())
	}
	return res
}
