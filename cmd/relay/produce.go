package main

import (
	"encoding/json"
	"time"

	"inbox-relay/internal/command"
	"inbox-relay/internal/kafka"
	"inbox-relay/internal/observability"
	"inbox-relay/pkg/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newProduceCmd publishes a sample user.create command, mostly for local
// smoke testing against docker-compose.
func newProduceCmd(load configLoader) *cobra.Command {
	var (
		topic   string
		eventID string
		userID  string
		email   string
		name    string
		repeat  int
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish a sample user.create command to the inbox topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if topic == "" {
				topic = cfg.Kafka.InboxTopic
			}
			if userID == "" {
				userID = uuid.NewString()
			}
			if eventID == "" {
				eventID = uuid.NewString()
			}

			payload, err := json.Marshal(command.CreateUser{
				UserID: userID,
				Email:  email,
				Name:   name,
				Roles:  []string{"member"},
			})
			if err != nil {
				return errors.Wrap(err, "marshal payload")
			}
			value, err := json.Marshal(models.Envelope{
				EventID:   eventID,
				EventType: command.UserCreate,
				Source:    "relay-cli",
				Timestamp: time.Now().UTC(),
				Payload:   payload,
			})
			if err != nil {
				return errors.Wrap(err, "marshal envelope")
			}

			producer := kafka.NewProducer(kafka.ProducerConfig{
				Brokers:          cfg.Kafka.Brokers,
				Acks:             cfg.Kafka.ProducerAcks(),
				Retries:          cfg.Kafka.Retries,
				Idempotent:       cfg.Kafka.Idempotent,
				AutoCreateTopics: true,
				MaxRetries:       5,
				Logger:           observability.Component("produce"),
			})
			defer producer.CloseGracefully(5 * time.Second)

			// Sending the same envelope more than once exercises inbox dedup.
			for i := 0; i < repeat; i++ {
				if err := producer.Publish(cmd.Context(), topic, userID, value, nil); err != nil {
					return err
				}
			}
			observability.GetLogger().WithFields(logrus.Fields{
				"topic":    topic,
				"event_id": eventID,
				"user_id":  userID,
				"times":    repeat,
			}).Info("Sent message to kafka")
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Target topic (default KAFKA_INBOX_TOPIC)")
	cmd.Flags().StringVar(&eventID, "event-id", "", "Envelope eventId (default random uuid)")
	cmd.Flags().StringVar(&userID, "user-id", "", "User id (default random uuid)")
	cmd.Flags().StringVar(&email, "email", "somchai@example.com", "User email")
	cmd.Flags().StringVar(&name, "name", "Somchai", "User display name")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Publish the same envelope this many times")
	return cmd
}
