// Package alerting 은 수집 실패를 웹훅으로 통지한다.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification 은 한 건의 실패 통지 본문이다. Code가 비어 있으면 실행
// 전체에 대한 요약 통지다.
type Notification struct {
	RunID      string    `json:"run_id"`
	Feed       string    `json:"feed"`
	Code       string    `json:"code,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	RowsBefore int       `json:"rows_before,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Total      int       `json:"total,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier 는 통지 전달 인터페이스다.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// WebhookNotifier 는 JSON 본문을 설정된 URL로 POST 한다.
type WebhookNotifier struct {
	url      string
	cooldown time.Duration
	client   *http.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewWebhookNotifier 는 웹훅 통지기를 만든다. cooldown 동안 같은 종목의
// 반복 통지는 억제된다.
func NewWebhookNotifier(url string, cooldown, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookNotifier{
		url:      strings.TrimSpace(url),
		cooldown: cooldown,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_webhook").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// Notify posts the notification, honoring the per-instrument cooldown.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	if n.url == "" {
		return nil
	}
	if !n.shouldSend(note.Code) {
		n.logger.Debug().
			Str("code", note.Code).
			Dur("cooldown", n.cooldown).
			Msg("쿨다운 내 반복 통지 억제")
		return nil
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("통지 본문 직렬화 실패: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("통지 요청 생성 실패: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("통지 전송 실패: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("웹훅 응답 코드 이상: %d", resp.StatusCode)
	}

	n.markSent(note.Code)
	n.logger.Info().
		Str("run_id", note.RunID).
		Str("feed", note.Feed).
		Str("code", note.Code).
		Str("outcome", note.Outcome).
		Msg("통지 발송 완료")
	return nil
}

func (n *WebhookNotifier) shouldSend(code string) bool {
	if n.cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[code]
	return !ok || time.Since(last) >= n.cooldown
}

func (n *WebhookNotifier) markSent(code string) {
	if n.cooldown <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSent[code] = time.Now()
}

var _ Notifier = (*WebhookNotifier)(nil)
