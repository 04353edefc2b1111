package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is a raw bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the publish/subscribe transport devices live on. A subscription
// delivers messages in broker order until ctx is cancelled.
type Bus interface {
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// CommandTopic is the topic a device listens on for OTA URLs.
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("cmnd/%s/ota_http", deviceID)
}

// Bridge turns raw bus traffic into typed announcements and sends OTA
// commands.
type Bridge struct {
	bus           Bus
	announceTopic string
	logger        *logrus.Logger
	now           func() time.Time
}

// NewBridge creates a bridge subscribing to announceTopic (usually "+/build").
func NewBridge(bus Bus, announceTopic string, logger *logrus.Logger) *Bridge {
	if announceTopic == "" {
		announceTopic = "+/" + announceSuffix
	}
	return &Bridge{
		bus:           bus,
		announceTopic: announceTopic,
		logger:        logger,
		now:           time.Now,
	}
}

// Announcements subscribes to build announcements. Malformed messages are
// logged and dropped. The channel closes when ctx ends or the underlying
// subscription closes.
func (b *Bridge) Announcements(ctx context.Context) (<-chan Announcement, error) {
	messages, err := b.bus.Subscribe(ctx, b.announceTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.announceTopic, err)
	}

	out := make(chan Announcement)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				ann, err := ParseAnnouncement(msg.Topic, msg.Payload, b.now())
				if err != nil {
					var parseErr *DiscoveryParseError
					if errors.As(err, &parseErr) {
						entry := b.logger.WithFields(logrus.Fields{
							"topic":  msg.Topic,
							"reason": parseErr.Reason,
						})
						if errors.Is(err, ErrUnsupportedPlatform) {
							// Other OpenBK chips share the broker.
							entry.Debug("Ignoring announcement from unsupported platform")
						} else {
							entry.Warn("Dropping malformed announcement")
						}
					}
					continue
				}
				select {
				case out <- ann:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SendOTA publishes the firmware URL to the device's command topic.
func (b *Bridge) SendOTA(ctx context.Context, deviceID, url string) error {
	topic := CommandTopic(deviceID)
	if err := b.bus.Publish(ctx, topic, []byte(url)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"topic":     topic,
		"url":       url,
	}).Info("OTA command sent")
	return nil
}
