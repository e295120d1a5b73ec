package cdp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/session"
)

// pageCloseTimeout bounds closing a tab once its operation is over.
const pageCloseTimeout = 5 * time.Second

// FetchPage returns an operation that loads target in a fresh tab of the
// session's browser and returns the rendered document. The tab is closed
// afterwards, even when the operation timed out; the browser stays
// connected for reuse.
func (p *Provider) FetchPage(target string) session.Operation {
	return func(ctx context.Context, h *provider.Handle) (session.Result, error) {
		browser, err := asBrowser(h)
		if err != nil {
			return session.Result{}, err
		}

		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: target})
		if err != nil {
			return session.Result{}, fmt.Errorf("open %s: %w", target, err)
		}
		defer func() {
			closeCtx, cancel := closeContext(ctx)
			defer cancel()
			if err := page.Context(closeCtx).Close(); err != nil {
				p.logger.Warn().
					Err(err).
					Str("handle_id", h.ID).
					Str("url", target).
					Msg("Failed to close tab")
			}
		}()

		if err := page.WaitLoad(); err != nil {
			return session.Result{}, fmt.Errorf("load %s: %w", target, err)
		}
		html, err := page.HTML()
		if err != nil {
			return session.Result{}, fmt.Errorf("read %s: %w", target, err)
		}

		return session.Result{Data: []byte(html), ResultCount: 1}, nil
	}
}

// closeContext outlives ctx, which is usually done by the time a tab that
// hit its deadline gets closed.
func closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), pageCloseTimeout)
}
