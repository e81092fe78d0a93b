package returner

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

const defaultWebhookTimeout = 10 * time.Second

// Webhook posts finalized job reports to an HTTP endpoint. Delivery is
// fire-and-forget with a bounded retry budget; a dead endpoint costs log
// lines, never job progress.
type Webhook struct {
	url     string
	retries int
	wait    time.Duration
	client  *fasthttp.Client
	log     *zap.Logger
}

// NewWebhook validates the endpoint and builds the client.
func NewWebhook(url string, retries int, wait time.Duration) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if retries < 0 {
		retries = 0
	}
	if wait <= 0 {
		wait = time.Second
	}
	return &Webhook{
		url:     url,
		retries: retries,
		wait:    wait,
		client: &fasthttp.Client{
			ReadTimeout:         defaultWebhookTimeout,
			WriteTimeout:        defaultWebhookTimeout,
			MaxIdleConnDuration: 90 * time.Second,
		},
		log: logger.Named("webhook"),
	}, nil
}

// JobFinished serializes the report and posts it, retrying on failure until
// the budget runs out.
func (w *Webhook) JobFinished(ctx context.Context, report *types.JobReport) error {
	body, err := util.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = w.post(body); lastErr == nil {
			return nil
		}
		w.log.Warn("webhook delivery failed",
			zap.String("jid", report.JobID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("webhook delivery gave up after %d attempts: %w", w.retries+1, lastErr)
}

func (w *Webhook) post(body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := w.client.DoDeadline(req, resp, time.Now().Add(defaultWebhookTimeout)); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("endpoint returned %d", code)
	}
	return nil
}

// Close is a no-op; fasthttp clients hold no resources worth draining here.
func (w *Webhook) Close() error { return nil }
