package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxPayloadSize           = 1 << 20
)

var (
	ErrMQTTConnect = errors.New("mqtt connection failed")
	ErrMQTTPublish = errors.New("mqtt publish failed")
)

type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTPublisher publishes events to <prefix>/<event type>.
type MQTTPublisher struct {
	client pahomqtt.Client
	prefix string
	qos    byte
}

func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("%w: broker url is required", ErrMQTTConnect)
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("%w: invalid qos %d", ErrMQTTConnect, opts.QoS)
	}

	co := pahomqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}

	return &MQTTPublisher{client: client, prefix: opts.TopicPrefix, qos: opts.QoS}, nil
}

func (p *MQTTPublisher) Topic(t model.EventType) string {
	return Topic(p.prefix, "/", t)
}

func (p *MQTTPublisher) Publish(ctx context.Context, e model.Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	if len(b) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrMQTTPublish, len(b), maxPayloadSize)
	}

	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	token := p.client.Publish(p.Topic(e.Type), p.qos, false, b)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrMQTTPublish, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrMQTTPublish, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(defaultDisconnectQuiesce)
}
