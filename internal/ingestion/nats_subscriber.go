package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream and consumer names.
const (
	CommandStream       = "VAULT_COMMANDS"
	CommandConsumerName = "vaultd-commands"
	EventStream         = "VAULT_EVENTS"
	EventSubjects       = "vault.events.>"
)

// ackMsg is the part of jetstream.Msg the consumer uses.
type ackMsg interface {
	Subject() string
	Data() []byte
	Ack() error
	Term() error
}

// CommandConsumer feeds operator commands from JetStream into a Dispatcher.
// Messages are acked as soon as they parse; malformed messages are
// terminated so they are never redelivered.
type CommandConsumer struct {
	js         jetstream.JetStream
	dispatcher *Dispatcher
	consumer   jetstream.ConsumeContext
	logger     zerolog.Logger
}

func NewCommandConsumer(js jetstream.JetStream, dispatcher *Dispatcher, logger zerolog.Logger) *CommandConsumer {
	return &CommandConsumer{
		js:         js,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Subscribe creates the durable consumer and starts consuming.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (cc *CommandConsumer) Subscribe(ctx context.Context) error {
	consumer, err := cc.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumerName,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandConsumerName, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		cc.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandConsumerName, err)
	}
	cc.consumer = consumeCtx
	cc.logger.Info().Str("subject", CommandSubjectPrefix+">").Str("consumer", CommandConsumerName).Msg("subscribed")
	return nil
}

func (cc *CommandConsumer) handle(ctx context.Context, msg ackMsg) {
	kind, err := CommandKind(msg.Subject())
	var cmd *Command
	if err == nil {
		cmd, err = ParseCommand(kind, msg.Data())
	}
	if err != nil {
		cc.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("invalid command terminated")
		cc.dispatcher.count("invalid", "rejected")
		msg.Term()
		return
	}

	if err := msg.Ack(); err != nil {
		cc.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("ack failed")
	}
	cc.dispatcher.Dispatch(ctx, cmd)
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjects},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops consuming.
func (cc *CommandConsumer) Stop() {
	if cc.consumer != nil {
		cc.consumer.Stop()
	}
	cc.logger.Info().Msg("command consumer stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("vaultd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
