package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in        string
		path      string
		qualifier string
	}{
		{"orders", "orders", ""},
		{" orders@primary ", "orders", "primary"},
		{"orders@Endpoint=sb://x.servicebus.windows.net/;SharedAccessKeyName=p;SharedAccessKey=k", "orders", "Endpoint=sb://x.servicebus.windows.net/;SharedAccessKeyName=p;SharedAccessKey=k"},
		{"@primary", "", "primary"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path, qualifier := ParseDestination(tt.in)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.qualifier, qualifier)
		})
	}
}

func TestSubscriptionNaming(t *testing.T) {
	topic := TopicPath("sales")
	assert.Equal(t, "sales.events", topic)

	sub := SubscriptionPath(topic, "shipping")
	assert.Equal(t, "sales.events/subscriptions/shipping", sub)

	gotTopic, gotSub, ok := SplitSubscriptionPath(sub)
	assert.True(t, ok)
	assert.Equal(t, topic, gotTopic)
	assert.Equal(t, "shipping", gotSub)

	_, _, ok = SplitSubscriptionPath("orders")
	assert.False(t, ok)
}
