package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/extract"
	"github.com/Keyring-Network/railgraph/internal/provider"
)

const navigationTimeout = 45 * time.Second

const firstVisibleScript = `(() => {
  const selectors = %s;
  for (const selector of selectors) {
    let el = null;
    try { el = document.querySelector(selector); } catch (e) { continue; }
    if (!el) continue;
    const rect = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    if (rect.width > 0 && rect.height > 0 && style.visibility !== "hidden" && style.display !== "none") {
      return selector;
    }
  }
  return "";
})()`

const clearScript = `(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  if ("value" in el) { el.value = ""; } else { el.textContent = ""; }
  el.dispatchEvent(new Event("input", { bubbles: true }));
  return true;
})()`

// ChromeLauncher starts Chrome with the profile directory as user-data-dir.
// execPath may be empty to let chromedp find the browser.
func ChromeLauncher(headless bool, execPath string) Launcher {
	return func(ctx context.Context, profileDir string) (Page, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserDataDir(profileDir),
			chromedp.Flag("headless", headless),
			chromedp.Flag("disable-gpu", headless),
			chromedp.WindowSize(1380, 900),
		)
		if execPath != "" {
			opts = append(opts, chromedp.ExecPath(execPath))
		}
		// The browser outlives the request that launched it.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		tabCtx, tabCancel := chromedp.NewContext(allocCtx)
		cancel := func() {
			tabCancel()
			allocCancel()
		}

		started := make(chan error, 1)
		go func() { started <- chromedp.Run(tabCtx) }()
		select {
		case err := <-started:
			if err != nil {
				cancel()
				return nil, provider.Errorf(provider.CodeBrowserMissing, "start browser context: %v", err)
			}
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
		return &chromePage{ctx: tabCtx, cancel: cancel}, nil
	}
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// scoped derives a tab context that also ends with the caller's context.
func (p *chromePage) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	stop := context.AfterFunc(ctx, cancel)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		return runCtx, func() {
			cancelDeadline()
			stop()
			cancel()
		}
	}
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.scoped(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, navigationTimeout)
	defer cancel()
	return p.run(navCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var location string
	err := p.run(ctx, chromedp.Location(&location))
	return location, err
}

func (p *chromePage) FirstVisible(ctx context.Context, selectors []string) (string, bool, error) {
	encoded, err := json.Marshal(selectors)
	if err != nil {
		return "", false, err
	}
	var found string
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(firstVisibleScript, encoded), &found)); err != nil {
		return "", false, err
	}
	return found, found != "", nil
}

func (p *chromePage) Fill(ctx context.Context, selector, text string) error {
	encoded, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	var cleared bool
	return p.run(ctx,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(clearScript, encoded), &cleared),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *chromePage) PressEnter(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

func (p *chromePage) Activate(ctx context.Context) error {
	return p.run(ctx, page.BringToFront())
}

func (p *chromePage) Sampler(spec provider.Spec) extract.Sampler {
	dom := extract.DOMSampler{
		ResponseSelectors:   spec.ResponseSelectors,
		GenerationSelectors: spec.GenerationSelectors,
	}
	return extract.SamplerFunc(func(ctx context.Context) (extract.Snapshot, error) {
		tabCtx, cancel := p.scoped(ctx)
		defer cancel()
		return dom.Sample(tabCtx)
	})
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

func (p *chromePage) Done() <-chan struct{} {
	return p.ctx.Done()
}
