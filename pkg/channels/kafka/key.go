package kafka

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/operion-engine/pkg/events"
)

func instanceKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.EventMetadataKey), nil
}
