package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpDialAttempts = 5
	amqpDialInterval = 2 * time.Second
)

// AMQPSink publishes notifications to a durable topic exchange. Routing keys
// are "<kind>.<username>" so consumers can bind to one user's finishes or to
// "#" for everything.
type AMQPSink struct {
	url      string
	exchange string
	log      *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// message is the JSON payload delivered to the exchange.
type message struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	JobID    int64  `json:"job_id"`
	Username string `json:"username"`
}

// amqpReceipt is the audit receipt for one delivery.
type amqpReceipt struct {
	MessageID  string `json:"message_id"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// NewAMQPSink connects to the broker with retry and declares the exchange.
// A nil logger falls back to slog.Default.
func NewAMQPSink(url, exchange string, log *slog.Logger) (*AMQPSink, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &AMQPSink{url: url, exchange: exchange, log: log}
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("failed to create AMQP sink: %w", err)
	}
	return s, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// connect establishes the connection with retry logic. Callers hold s.mu or
// have exclusive access.
func (s *AMQPSink) connect() error {
	var err error
	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		s.log.Info("Connecting to AMQP broker",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", amqpDialAttempts),
		)

		s.conn, err = amqp.Dial(s.url)
		if err == nil {
			break
		}

		s.log.Error("Failed to connect to AMQP broker",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < amqpDialAttempts {
			time.Sleep(amqpDialInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker after %d attempts: %w", amqpDialAttempts, err)
	}

	s.ch, err = s.conn.Channel()
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = s.ch.ExchangeDeclare(
		s.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		s.ch.Close()
		s.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	s.log.Info("AMQP sink initialized", slog.String("exchange", s.exchange))
	return nil
}

// ensure reconnects when the connection has been closed under us.
func (s *AMQPSink) ensure() error {
	if s.conn != nil && !s.conn.IsClosed() {
		return nil
	}
	return s.connect()
}

// Publish delivers one persistent JSON message to the exchange.
func (s *AMQPSink) Publish(ctx context.Context, subject, body string, tags Tags) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensure(); err != nil {
		return "", err
	}

	payload, err := buildMessage(subject, body, tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	messageID := uuid.NewString()
	key := routingKey(tags)
	err = s.ch.PublishWithContext(
		ctx,
		s.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				"job_id":   strconv.FormatInt(tags.JobID, 10),
				"username": tags.Username,
			},
			Body: payload,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	s.log.Debug("Notification published to AMQP",
		slog.String("routing_key", key),
		slog.Int("body_size", len(payload)),
	)

	receipt, err := json.Marshal(amqpReceipt{
		MessageID:  messageID,
		Exchange:   s.exchange,
		RoutingKey: key,
	})
	if err != nil {
		return "", err
	}
	return string(receipt), nil
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.log.Error("Failed to close AMQP channel", slog.Any("error", err))
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Error("Failed to close AMQP connection", slog.Any("error", err))
			return err
		}
	}
	return nil
}

func buildMessage(subject, body string, tags Tags) ([]byte, error) {
	return json.Marshal(message{
		Subject:  subject,
		Body:     body,
		JobID:    tags.JobID,
		Username: tags.Username,
	})
}

func routingKey(tags Tags) string {
	return fmt.Sprintf("%s.%s", tags.Kind, tags.Username)
}
