package services

import (
	"context"
	"log/slog"
	"sync"

	pubnub "github.com/pubnub/go/v7"

	"ticket-engine/config"
	"ticket-engine/internal/logger"
)

// Publisher fans realtime updates out to clients. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg any)
}

// Notifier publishes to PubNub. Without a publish key it drops messages.
type Notifier struct {
	pn *pubnub.PubNub
	wg sync.WaitGroup
}

func NewNotifier(cfg *config.Config) *Notifier {
	if cfg.PubNubPublishKey == "" {
		slog.Warn("pubnub publish key not set, realtime updates disabled")
		return &Notifier{}
	}

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
	pnCfg.PublishKey = cfg.PubNubPublishKey
	pnCfg.SubscribeKey = cfg.PubNubSubscribeKey
	pnCfg.SecretKey = cfg.PubNubSecretKey

	return &Notifier{pn: pubnub.NewPubNub(pnCfg)}
}

func (n *Notifier) Publish(ctx context.Context, channel string, msg any) {
	if n.pn == nil {
		return
	}
	log := logger.From(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_, st, err := n.pn.Publish().
			Channel(channel).
			Message(msg).
			Execute()
		if err != nil {
			log.Warn("pubnub publish failed", "channel", channel, "status", st.StatusCode, "error", err)
		}
	}()
}

// Close waits for in-flight publishes.
func (n *Notifier) Close() {
	n.wg.Wait()
	if n.pn != nil {
		n.pn.Destroy()
	}
}

func gateChannel(gateID string) string {
	return "gate-" + gateID
}

func orderChannel(orderID string) string {
	return "order-" + orderID
}
