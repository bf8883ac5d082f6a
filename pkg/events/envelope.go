package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/pkg/errors"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("empty envelope type")
	}
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal envelope payload")
	}
	return Envelope{Type: typ, Payload: b}, nil
}

// Publisher is a launch.EventSink that puts every event on the bus.
type Publisher struct {
	Pub message.Publisher
}

var _ launch.EventSink = (*Publisher)(nil)

func (p *Publisher) Emit(ctx context.Context, ev launch.LaunchEvent) error {
	env, err := NewEnvelope(ev.Type, ev)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.SetContext(ctx)
	if err := p.Pub.Publish(TopicLaunchEvents, msg); err != nil {
		return errors.Wrap(err, "publish launch event")
	}
	return nil
}

func decodeEvent(payload []byte) (launch.LaunchEvent, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return launch.LaunchEvent{}, errors.Wrap(err, "unmarshal envelope")
	}
	var ev launch.LaunchEvent
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return launch.LaunchEvent{}, errors.Wrapf(err, "unmarshal %s payload", env.Type)
		}
	}
	if ev.Type == "" {
		ev.Type = env.Type
	}
	return ev, nil
}
