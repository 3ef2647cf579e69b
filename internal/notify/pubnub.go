package notify

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go/v7"
)

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	UserID       string
}

// PubNub publishes each message to the recipient's "user-<id>" channel.
// Attachment bodies are not sent; only their names travel with the message.
type PubNub struct {
	publish func(channel string, message interface{}) error
}

func NewPubNub(cfg PubNubConfig) *PubNub {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnConfig.PublishKey = cfg.PublishKey
	pnConfig.SubscribeKey = cfg.SubscribeKey
	pn := pubnub.NewPubNub(pnConfig)

	return &PubNub{
		publish: func(channel string, message interface{}) error {
			_, _, err := pn.Publish().Channel(channel).Message(message).Execute()
			return err
		},
	}
}

func (p *PubNub) Deliver(ctx context.Context, userID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.publish("user-"+userID, msg); err != nil {
		return fmt.Errorf("pubnub publish: %w", err)
	}
	return nil
}
