package notifier

import (
	"context"
	"fmt"
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookResponse 网关响应（可选字段，非 JSON 响应也视为成功）
type WebhookResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// Webhook 通过 HTTP POST 推送报警（聊天/邮件网关）
// 重试由投递分发器负责，客户端本身不重试
type Webhook struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhook 创建 webhook 渠道
func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Webhook{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Name 渠道名称
func (w *Webhook) Name() string { return "webhook" }

// Notify 推送报警；Idempotency-Key 为事件 ID，网关可据此去重
func (w *Webhook) Notify(ctx context.Context, e models.AlertEvent) error {
	var response WebhookResponse
	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", e.EventID).
		SetBody(e).
		SetResult(&response).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}

	if resp.IsError() {
		w.logger.Warn("Webhook returned error status",
			zap.String("event_id", e.EventID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	if response.Status != 0 {
		return fmt.Errorf("webhook error: %s (status: %d)", response.Msg, response.Status)
	}

	w.logger.Debug("Webhook delivered",
		zap.String("event_id", e.EventID),
		zap.String("rule_id", e.RuleID),
	)
	return nil
}
