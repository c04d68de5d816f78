package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inbox-relay/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaClient checks broker connectivity for the ops endpoints.
type KafkaClient struct {
	brokers []string
	logger  *logrus.Entry
	dialer  *kafka.Dialer
}

func NewKafkaClient(brokers []string) *KafkaClient {
	return &KafkaClient{
		brokers: brokers,
		logger:  observability.Component("kafka-client"),
		dialer:  &kafka.Dialer{Timeout: 5 * time.Second},
	}
}

// HealthCheck dials the first reachable broker and reads partition metadata.
func (c *KafkaClient) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no brokers configured")
	}

	var lastErr error
	for _, broker := range c.brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("failed to connect to broker %s: %w", broker, err)
			continue
		}

		_, err = conn.ReadPartitions()
		conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read partitions from %s: %w", broker, err)
			continue
		}
		return nil
	}
	return lastErr
}

// HealthCheckLoop checks periodically and logs state changes until ctx ends.
func (c *KafkaClient) HealthCheckLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
		}

		err := c.HealthCheck(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			c.logger.WithError(err).WithField("failures", failures).Warn("Broker health check failed")
			healthy = false
		case err == nil && !healthy:
			c.logger.WithField("failures", failures).Info("Broker connectivity restored")
			healthy = true
			failures = 0
		}
	}
}
