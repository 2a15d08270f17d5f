package mesh

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/aegnix/abi/internal/config"
)

// PubSubTransport publishes envelopes to Google Cloud Pub/Sub, one topic
// per subject (dots become dashes, prefix from config). Topics are
// created on first use and the handles cached.
type PubSubTransport struct {
	client *pubsub.Client
	prefix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	logger *log.Logger
}

func NewPubSubTransport(cfg config.MeshConfig) (*PubSubTransport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if cfg.PubSubEndpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.PubSubEndpoint),
			option.WithoutAuthentication())
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	t := &PubSubTransport{
		client: client,
		prefix: cfg.PubSubTopicPrefix,
		topics: make(map[string]*pubsub.Topic),
		logger: log.New(os.Stdout, "[Mesh] ", log.LstdFlags),
	}
	t.logger.Printf("pubsub transport connected project=%s prefix=%s", cfg.PubSubProjectID, cfg.PubSubTopicPrefix)
	return t, nil
}

func (t *PubSubTransport) topicFor(ctx context.Context, subject string) (*pubsub.Topic, error) {
	id := t.prefix + strings.ReplaceAll(subject, ".", "-")

	t.mu.Lock()
	if topic, ok := t.topics[id]; ok {
		t.mu.Unlock()
		return topic, nil
	}
	t.mu.Unlock()

	topic := t.client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic exists %s: %w", id, err)
	}
	if !exists {
		topic, err = t.client.CreateTopic(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("create topic %s: %w", id, err)
		}
		t.logger.Printf("created topic %s", id)
	}

	t.mu.Lock()
	t.topics[id] = topic
	t.mu.Unlock()
	return topic, nil
}

// Publish blocks until the server acknowledges the message so the emit
// pipeline can surface transport failure as INTERNAL.
func (t *PubSubTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	topic, err := t.topicFor(ctx, subject)
	if err != nil {
		return err
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"subject": subject},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", subject, err)
	}
	return nil
}

func (t *PubSubTransport) Close() error {
	t.mu.Lock()
	for _, topic := range t.topics {
		topic.Stop()
	}
	t.mu.Unlock()
	return t.client.Close()
}
