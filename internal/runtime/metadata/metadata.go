package metadata

import "strconv"

// Well-known header keys carried next to every broker message.
const (
	MessageID     = "MessageId"
	Via           = "sbflow_via"
	DeliveryCount = "sbflow_delivery_count"
	EnqueuedAt    = "sbflow_enqueued_at"
	TimeToLive    = "sbflow_ttl"
	ScheduledAt   = "sbflow_scheduled_enqueue_time"
	Destination   = "sbflow_destination"

	EnclosedMessageType = "sbflow_enclosed_message_type"

	FailureReason = "sbflow_failure_reason"
	FailedEntity  = "sbflow_failed_entity"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Without returns a cloned metadata map with the given keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.Clone()
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// Int returns the header parsed as an integer, or def when absent or malformed.
func (m Metadata) Int(key string, def int) int {
	raw, ok := m[key]
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
