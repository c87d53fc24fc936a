package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher pushes new notifications to the configured webhooks.
// Each webhook's position is the seq of the last delivered notification and
// survives restarts. A failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	log      logrus.FieldLogger
	Interval time.Duration
}

func NewWebhookDispatcher(e engine.Engine, log logrus.FieldLogger) *WebhookDispatcher {
	var hooks []config.Webhook
	if e.Config != nil {
		hooks = e.Config.Webhooks
	}
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logging.OrDiscard(log).WithField("component", "webhooks"),
		Interval: defaultWebhookInterval,
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for _, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	log := d.log.WithField("webhook_id", hook.ID)
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		log.WithError(err).Error("init cursor failed")
		return
	}
	items, err := d.engine.Repo.NotificationsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.WithError(err).Error("fetch notifications failed")
		return
	}
	for _, n := range items {
		if hook.Accepts(n.Type) {
			if err := d.post(ctx, hook, n); err != nil {
				log.WithError(err).WithField("seq", n.Seq).Warn("delivery failed")
				return
			}
		}
		if err := d.engine.Repo.SetWebhookCursor(ctx, hook.ID, n.Seq); err != nil {
			log.WithError(err).Error("store cursor failed")
			return
		}
	}
}

// cursorFor starts a new webhook at the current head so it only sees
// notifications created after it was configured.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) (int64, error) {
	cur, ok, err := d.engine.Repo.WebhookCursor(ctx, hook.ID)
	if err != nil || ok {
		return cur, err
	}
	cur, err = d.engine.Repo.LatestNotificationSeq(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.engine.Repo.SetWebhookCursor(ctx, hook.ID, cur)
}

type webhookDelivery struct {
	WebhookID    string              `json:"webhook_id"`
	Notification domain.Notification `json:"notification"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.Webhook, n domain.Notification) error {
	data, err := json.Marshal(webhookDelivery{WebhookID: hook.ID, Notification: n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Notification", n.Type)
	req.Header.Set("X-Stageline-Delivery", fmt.Sprintf("%s:%d", hook.ID, n.Seq))
	req.Header.Set("X-Stageline-Project", n.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
