package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/domstorage"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const defaultActionTimeout = 30 * time.Second

// Page is one live browser tab. Methods are safe for concurrent use; chromedp
// serializes commands on the target.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// run executes actions bounded by both ctx and the page lifetime.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, defaultActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body"))
}

// Reload reloads the current document.
func (p *Page) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload(), chromedp.WaitReady("body"))
}

// InjectOnLoad registers a script evaluated in every new document before the
// page's own scripts.
func (p *Page) InjectOnLoad(ctx context.Context, script string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

// Eval evaluates expr and decodes the result into out. Promises are awaited.
func (p *Page) Eval(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expr, out, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}

// LocalStorage returns all localStorage items for origin.
func (p *Page) LocalStorage(ctx context.Context, origin string) (map[string]string, error) {
	items := make(map[string]string)
	err := p.run(ctx, domstorage.Enable(), chromedp.ActionFunc(func(ctx context.Context) error {
		entries, err := domstorage.GetDOMStorageItems(storageID(origin)).Do(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if len(e) == 2 {
				items[e[0]] = e[1]
			}
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("read local storage: %w", err)
	}
	return items, nil
}

// SetLocalStorage writes items into origin's localStorage. The page must
// already be on that origin.
func (p *Page) SetLocalStorage(ctx context.Context, origin string, items map[string]string) error {
	err := p.run(ctx, domstorage.Enable(), chromedp.ActionFunc(func(ctx context.Context) error {
		id := storageID(origin)
		for k, v := range items {
			if err := domstorage.SetDOMStorageItem(id, k, v).Do(ctx); err != nil {
				return fmt.Errorf("set %q: %w", k, err)
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("write local storage: %w", err)
	}
	return nil
}

// Focus clicks the first element matching sel.
func (p *Page) Focus(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.WaitVisible(sel, chromedp.ByQuery), chromedp.Focus(sel, chromedp.ByQuery))
}

// Close shuts the tab and the browser process. Safe to call twice.
func (p *Page) Close() {
	p.cancel()
}

func storageID(origin string) *domstorage.StorageID {
	return &domstorage.StorageID{SecurityOrigin: origin, IsLocalStorage: true}
}
