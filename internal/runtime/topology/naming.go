package topology

import "strings"

const (
	eventsSuffix        = ".events"
	subscriptionsInfix  = "/subscriptions/"
	destinationSplitter = "@"
)

// ParseDestination splits "path@qualifier" into its parts. The qualifier is
// either a namespace alias or a full connection string, which itself
// contains no '@'. A destination without qualifier returns an empty one.
func ParseDestination(value string) (path, qualifier string) {
	value = strings.TrimSpace(value)
	idx := strings.Index(value, destinationSplitter)
	if idx < 0 {
		return value, ""
	}
	return value[:idx], value[idx+1:]
}

// TopicPath is the topic an endpoint publishes its events to.
func TopicPath(publisher string) string {
	return publisher + eventsSuffix
}

// SubscriptionPath is the subscription an endpoint reads from a topic.
func SubscriptionPath(topic, subscriber string) string {
	return topic + subscriptionsInfix + subscriber
}

// SplitSubscriptionPath returns the topic and subscription name of a path
// built by SubscriptionPath.
func SplitSubscriptionPath(path string) (topic, subscription string, ok bool) {
	idx := strings.Index(strings.ToLower(path), subscriptionsInfix)
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+len(subscriptionsInfix):], true
}
