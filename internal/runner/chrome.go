package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
)

// ChromeConfig holds headless browser settings
type ChromeConfig struct {
	Headless  bool
	Wait      time.Duration // Settle time after the page is ready
	UserAgent string
}

// ChromeRunner scrapes public result pages with a headless browser. The target's
// extract expression runs in the page and must return an array of items.
type ChromeRunner struct {
	config ChromeConfig
	logger arbor.ILogger
}

// NewChromeRunner creates a chrome runner
func NewChromeRunner(config ChromeConfig, logger arbor.ILogger) *ChromeRunner {
	if config.UserAgent == "" {
		config.UserAgent = "Juris-Scraper/1.0"
	}
	return &ChromeRunner{config: config, logger: logger}
}

// Run opens a fresh browser for the attempt so a crashed tab never leaks into a retry
func (r *ChromeRunner) Run(ctx context.Context, req models.ScriptRequest, sink interfaces.LogSink) (*models.ScrapeResult, error) {
	target := req.Target
	if target.URL == "" {
		return nil, models.NewScrapeError(models.ErrorKindStructural, "chrome target has no url", nil)
	}
	if target.Extract == "" {
		return nil, models.NewScrapeError(models.ErrorKindStructural, "chrome target has no extract expression", nil)
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(r.config.UserAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	sink(models.LogLevelInfo, fmt.Sprintf("Opening %s", target.URL), map[string]interface{}{"engine": "chrome"})

	var items []json.RawMessage
	started := time.Now()
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.config.Wait),
		chromedp.Evaluate(target.Extract, &items),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("chrome scrape of %s failed: %w", target.URL, err)
	}

	r.logger.Debug().
		Str("tribunal", target.Tribunal).
		Int("items", len(items)).
		Dur("elapsed", time.Since(started)).
		Msg("Chrome extraction finished")
	sink(models.LogLevelInfo, fmt.Sprintf("Extracted %d item(s)", len(items)), nil)

	return &models.ScrapeResult{
		Success:   true,
		ItemCount: len(items),
		Items:     items,
		Timestamp: time.Now(),
	}, nil
}
