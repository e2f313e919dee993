package connector

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"
)

// QueuePublisher is the subset of *nsq.Producer the queue transport needs.
type QueuePublisher interface {
	Publish(topic string, body []byte) error
}

// QueueTransport publishes the payload to an NSQ topic named in the
// connector config.
type QueueTransport struct {
	producer QueuePublisher
}

func NewQueueTransport(producer QueuePublisher) *QueueTransport {
	return &QueueTransport{producer: producer}
}

// NewQueueTransportFromAddr connects a producer to nsqd at addr.
func NewQueueTransportFromAddr(addr string) (*QueueTransport, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &QueueTransport{producer: prod}, nil
}

func (t *QueueTransport) Dispatch(_ context.Context, payload map[string]any, config map[string]any) Result {
	topic := configString(config, "topic")
	if topic == "" {
		return failure(0, "queue config missing topic")
	}
	if t.producer == nil {
		return failure(0, "queue transport has no producer")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(0, "marshal payload: "+err.Error())
	}
	if err := t.producer.Publish(topic, body); err != nil {
		return failure(0, "nsq publish: "+err.Error())
	}
	return Result{Success: true}
}
