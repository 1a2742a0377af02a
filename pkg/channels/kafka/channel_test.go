package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers("a:9092, b:9092,"))
	assert.Empty(t, ParseBrokers(""))
}

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, nil, "operion")
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestInstanceKey(t *testing.T) {
	msg := message.NewMessage("m-1", nil)
	msg.Metadata.Set(events.EventMetadataKey, "instance-1")

	key, err := instanceKey(events.Topic, msg)
	assert.NoError(t, err)
	assert.Equal(t, "instance-1", key)
}
