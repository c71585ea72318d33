// internal/alerting/sinks.go
package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// WebhookSink POSTs alerts as signed JSON
type WebhookSink struct {
	name       string
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink. An empty secret disables signing.
func NewWebhookSink(name, url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		name:       name,
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Failover-Alerts/1.0")
	req.Header.Set("X-Alert-ID", alert.ID)
	req.Header.Set("X-Alert-Kind", string(alert.Kind))
	if s.secret != "" {
		req.Header.Set("X-Webhook-Signature", GenerateSignature(body, s.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// GenerateSignature returns the hex HMAC-SHA256 of payload
func GenerateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by GenerateSignature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := GenerateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// kafkaWriter is the subset of *kafka.Writer used by KafkaSink
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts to a topic keyed by dataset
type KafkaSink struct {
	writer      kafkaWriter
	maxAttempts int
	backoff     time.Duration
}

// NewKafkaSink creates a sink writing to brokers
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaSink{writer: w, maxAttempts: 3, backoff: 100 * time.Millisecond}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, alert Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := kafka.Message{Key: []byte(alert.Dataset), Value: value, Time: alert.At}

	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if lastErr = s.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka produce: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink writes alerts to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alerts")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.String("dataset", alert.Dataset),
		zap.String("record_id", alert.RecordID),
		zap.String("state", string(alert.State)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
	}

	switch alert.Kind {
	case KindPage:
		s.logger.Error(alert.Title, fields...)
	case KindTicket:
		s.logger.Warn(alert.Title, fields...)
	default:
		s.logger.Info(alert.Title, fields...)
	}
	return nil
}
