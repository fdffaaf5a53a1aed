package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"AgentIntent-Chain/pkg/logger"
)

// WebhookNotifier 通过 HTTP 回调投递告警，消息体格式随渠道变化。
type WebhookNotifier struct {
	URL    string
	Kind   Channel
	Client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器，kind 为空时发送完整的 JSON 事件。
func NewWebhookNotifier(kind Channel, url string) *WebhookNotifier {
	if kind == "" {
		kind = ChannelWebhook
	}
	return &WebhookNotifier{URL: url, Kind: kind, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Channel 返回渠道标识。
func (n *WebhookNotifier) Channel() Channel {
	if n == nil || n.Kind == "" {
		return ChannelWebhook
	}
	return n.Kind
}

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("intent_id", event.IntentID))
		return nil
	}
	body, err := n.encode(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) encode(event Event) ([]byte, error) {
	switch n.Channel() {
	case ChannelSlack:
		return json.Marshal(map[string]string{"text": event.Summary()})
	case ChannelDingTalk:
		return json.Marshal(map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": event.Summary()},
		})
	default:
		return json.Marshal(event)
	}
}
