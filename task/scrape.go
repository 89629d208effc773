package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// scrapeTask fetches a page with colly, extracts its body HTML with
// goquery, and converts the result to Markdown. It reports the Markdown
// byte count as BytesProcessed, standing in for "useful work done" when
// a load test targets a content site rather than a plain endpoint.
type scrapeTask struct {
	url string
}

func newScrapeTask(param string) (Task, error) {
	url := strings.TrimSpace(param)
	if url == "" {
		return nil, fmt.Errorf("task: scrape: url must not be empty")
	}
	return scrapeTask{url: url}, nil
}

func (t scrapeTask) Execute(ctx context.Context) Result {
	start := time.Now()

	var body string
	var fetchErr error

	c := colly.NewCollector()
	c.SetRequestTimeout(30 * time.Second)

	c.OnHTML("html", func(e *colly.HTMLElement) {
		body = string(e.Response.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(t.url); err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: err}
	}
	if fetchErr != nil {
		return Result{Success: false, Latency: time.Since(start), Err: fetchErr}
	}
	if ctx.Err() != nil {
		return Result{Success: false, Latency: time.Since(start), Err: ctx.Err()}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: fmt.Errorf("task: scrape: parse html: %w", err)}
	}
	html, err := doc.Find("body").Html()
	if err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: fmt.Errorf("task: scrape: extract body: %w", err)}
	}

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	markdown, err := conv.ConvertString(html)
	if err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: fmt.Errorf("task: scrape: convert markdown: %w", err)}
	}

	return Result{
		Success:        true,
		Latency:        time.Since(start),
		BytesProcessed: int64(len(markdown)),
	}
}
