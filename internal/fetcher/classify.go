package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Classify maps a single-attempt error to a failure kind.
//
//   - context cancellation/deadline of the caller: canceled
//   - 408, 429 and 5xx: transient
//   - any other HTTP status: permanent
//   - timeouts and connection errors: transient
//   - anything else (bad URL, unsupported scheme): permanent
func Classify(err error) harvest.FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return harvest.KindCanceled
	}

	var statusErr *harvest.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return harvest.KindTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return harvest.KindTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// transport level failure once the URL parsed (reset, EOF, TLS)
		if urlErr.Op != "parse" {
			return harvest.KindTransient
		}
	}
	return harvest.KindPermanent
}

func classifyStatus(code int) harvest.FailureKind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return harvest.KindTransient
	case code >= 500:
		return harvest.KindTransient
	default:
		return harvest.KindPermanent
	}
}

func statusCodeOf(err error) int {
	var statusErr *harvest.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
