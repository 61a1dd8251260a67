// Package providers implements the streaming provider adapters for Anthropic
// and OpenAI, plus the resolver that builds clients from project provider
// specs.
package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
)

// classify maps a vendor error to the unified error taxonomy so failover can
// decide retryability without vendor-specific knowledge.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case status == http.StatusTooManyRequests:
		return errdefs.Wrap(errdefs.CodeRateLimited, provider+" rate limited", err)
	case status >= 500:
		return errdefs.Wrap(errdefs.CodeProviderError, provider+" server error", err).
			WithContext("status", status)
	case status > 0:
		// Client rejections (bad request, auth) never succeed on retry.
		return errdefs.Wrap(errdefs.CodeProviderError, provider+" request rejected", err).
			WithContext("status", status).WithStatus(http.StatusBadGateway).WithPermanent()
	default:
		return errdefs.Wrap(errdefs.CodeProviderError, provider+" request failed", err)
	}
}
