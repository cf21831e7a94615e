// Package alert delivers anomaly notifications to an operator webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/config"
	"github.com/syatt-io/perfwatch/internal/model"
)

// Notification is the webhook payload for one detected anomaly.
type Notification struct {
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	SiteID       string    `json:"site_id"`
	Device       string    `json:"device"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	ExpectedMin  float64   `json:"expected_min"`
	ExpectedMax  float64   `json:"expected_max"`
	DeviationStd float64   `json:"deviation_std"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`
}

// Webhook posts anomaly notifications to a configured URL. A missing
// URL disables delivery, which keeps the detector's emit path wired
// unconditionally.
type Webhook struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewWebhook creates a webhook alerter.
func NewWebhook(cfg config.AlertConfig) *Webhook {
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// EmitAnomaly delivers one anomaly record. Delivery failures are logged
// and dropped; alerting is best-effort and must never fail detection.
func (w *Webhook) EmitAnomaly(ctx context.Context, rec model.AnomalyRecord) {
	if w.cfg.WebhookURL == "" {
		return
	}

	n := Notification{
		Type:     "metric_regression",
		Severity: severityFor(rec.Confidence),
		Message: fmt.Sprintf(
			"%s regressed on %s (%s): %.3g outside expected [%.3g, %.3g], %.1f std devs",
			rec.Metric, rec.SiteID, rec.Device,
			rec.Value, rec.ExpectedMin, rec.ExpectedMax, rec.DeviationStd,
		),
		SiteID:       rec.SiteID,
		Device:       string(rec.Device),
		Metric:       string(rec.Metric),
		Value:        rec.Value,
		ExpectedMin:  rec.ExpectedMin,
		ExpectedMax:  rec.ExpectedMax,
		DeviationStd: rec.DeviationStd,
		Confidence:   rec.Confidence,
		Timestamp:    time.Now().UTC(),
	}

	if err := w.send(ctx, n); err != nil {
		zap.L().Error("failed to send anomaly alert",
			zap.String("site_id", rec.SiteID),
			zap.String("metric", string(rec.Metric)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("anomaly alert sent",
		zap.String("site_id", rec.SiteID),
		zap.String("metric", string(rec.Metric)),
		zap.String("severity", n.Severity),
	)
}

func (w *Webhook) send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "alert: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alert: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alert: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func severityFor(confidence float64) string {
	if confidence >= 0.987 {
		return "high"
	}
	return "medium"
}
