package delivery

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethhook/ethhook/internal/ethhook"
)

// classification is the result of inspecting one HTTP attempt: how to
// record it and whether it's worth retrying.
type classification struct {
	outcome    ethhook.DeliveryOutcome
	httpStatus int
	transient  bool
	retryAfter time.Duration // set for 408/425/429 responses carrying a Retry-After header.
}

// classify turns an HTTP round-trip's outcome into a classification,
// following the status-code table: 2xx success, 3xx settled by the final
// response after following redirects, 4xx (except 408/425/429) permanent,
// and 408/425/429/5xx/connect/timeout/TLS transient.
func classify(resp *http.Response, err error) classification {
	if err != nil {
		return classification{outcome: classifyTransportError(err), transient: true}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return classification{outcome: ethhook.OutcomeSuccess, httpStatus: status}
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return classification{
			outcome:    ethhook.OutcomeHTTPError,
			httpStatus: status,
			transient:  true,
			retryAfter: retryAfterFromResponse(resp),
		}
	case status >= 500:
		return classification{outcome: ethhook.OutcomeHTTPError, httpStatus: status, transient: true}
	default:
		// Everything else, including settled 3xx and other 4xx, is a
		// permanent failure for this attempt.
		return classification{outcome: ethhook.OutcomeHTTPError, httpStatus: status}
	}
}

func classifyTransportError(err error) ethhook.DeliveryOutcome {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ethhook.OutcomeTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ethhook.OutcomeTimeout
	}
	return ethhook.OutcomeConnectError
}

// retryAfterFromResponse parses a Retry-After header (seconds form only,
// which is what every load balancer and rate limiter in practice sends),
// capped at 5 minutes.
func retryAfterFromResponse(resp *http.Response) time.Duration {
	const maxRetryAfter = 5 * time.Minute
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
