// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/sbflow/transport/aws"
	_ "github.com/drblury/sbflow/transport/channel"
	_ "github.com/drblury/sbflow/transport/http"
	_ "github.com/drblury/sbflow/transport/jetstream"
	_ "github.com/drblury/sbflow/transport/kafka"
	_ "github.com/drblury/sbflow/transport/nats"
	_ "github.com/drblury/sbflow/transport/rabbitmq"
)
