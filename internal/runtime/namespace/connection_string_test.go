package namespace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

const validConnectionString = "Endpoint=sb://orders-prod.servicebus.windows.net/;SharedAccessKeyName=RootManageSharedAccessKey;SharedAccessKey=c2VjcmV0S2V5PQ=="

func TestParseConnectionString(t *testing.T) {
	cs, err := ParseConnectionString(validConnectionString)
	require.NoError(t, err)

	assert.Equal(t, "orders-prod", cs.NamespaceName())
	assert.Equal(t, "servicebus.windows.net", cs.Domain())
	assert.Equal(t, "RootManageSharedAccessKey", cs.PolicyName())
	assert.Equal(t, "c2VjcmV0S2V5PQ==", cs.PolicyKey())
	assert.Equal(t, validConnectionString, cs.String())
	assert.False(t, cs.IsZero())
	assert.NotContains(t, cs.Redacted(), "c2VjcmV0S2V5PQ==")
}

func TestParseConnectionStringAcceptsVariants(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"no trailing slash", "Endpoint=sb://orders.servicebus.windows.net;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"lower case keywords", "endpoint=sb://orders.servicebus.windows.net/;sharedaccesskeyname=send;sharedaccesskey=abc"},
		{"other domain", "Endpoint=sb://orders.servicebus.chinacloudapi.cn/;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"hyphenated namespace", "Endpoint=sb://a-b-c-d-e.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConnectionString(tt.value)
			assert.NoError(t, err)
			assert.True(t, IsConnectionString(tt.value))
		})
	}
}

func TestParseConnectionStringRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"missing key", "Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKeyName=send"},
		{"empty key", "Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey="},
		{"missing policy", "Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKey=abc"},
		{"namespace too short", "Endpoint=sb://ord.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"namespace starts with digit", "Endpoint=sb://1orders.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"namespace ends with hyphen", "Endpoint=sb://orders-.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"wrong scheme", "Endpoint=amqp://orders.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"no domain", "Endpoint=sb://orders;SharedAccessKeyName=send;SharedAccessKey=abc"},
		{"plain alias", "primary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := ParseConnectionString(tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, errspkg.ErrInvalidFormat)
			assert.True(t, cs.IsZero())
			assert.False(t, IsConnectionString(tt.value))
		})
	}
}

func TestParseErrorDoesNotLeakKey(t *testing.T) {
	_, err := ParseConnectionString("Endpoint=sb://ord.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=topsecret")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "topsecret")
}

func TestParseIsDeterministic(t *testing.T) {
	first, err := ParseConnectionString(validConnectionString)
	require.NoError(t, err)
	second, err := ParseConnectionString(validConnectionString)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, first, second)
}

func TestEquality(t *testing.T) {
	base := MustParseConnectionString("Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=Secret")

	tests := []struct {
		name  string
		other string
		equal bool
	}{
		{"namespace case differs", "Endpoint=sb://ORDERS.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=Secret", true},
		{"policy case differs", "Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKeyName=SEND;SharedAccessKey=Secret", true},
		{"raw text differs only by slash", "Endpoint=sb://orders.servicebus.windows.net;SharedAccessKeyName=send;SharedAccessKey=Secret", true},
		{"key case differs", "Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=secret", false},
		{"namespace differs", "Endpoint=sb://billing.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=Secret", false},
		{"policy differs", "Endpoint=sb://orders.servicebus.windows.net/;SharedAccessKeyName=listen;SharedAccessKey=Secret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := MustParseConnectionString(tt.other)
			assert.Equal(t, tt.equal, base.Equal(other))
			assert.Equal(t, tt.equal, other.Equal(base))
			assert.Equal(t, tt.equal, base.Key() == other.Key())
		})
	}
}

func TestMustParsePanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { MustParseConnectionString("nope") })
}

func TestConcurrentParsesShareOneResult(t *testing.T) {
	const goroutines = 32
	inputs := make([]string, 4)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("Endpoint=sb://concurrent%d.servicebus.windows.net/;SharedAccessKeyName=p;SharedAccessKey=k%d", i, i)
	}

	var wg sync.WaitGroup
	results := make([]ConnectionString, goroutines)
	wg.Add(goroutines)
	for g := range goroutines {
		go func() {
			defer wg.Done()
			cs, err := ParseConnectionString(inputs[g%len(inputs)])
			assert.NoError(t, err)
			results[g] = cs
		}()
	}
	wg.Wait()

	for g, cs := range results {
		assert.Equal(t, fmt.Sprintf("concurrent%d", g%len(inputs)), cs.NamespaceName())
	}
	for _, in := range inputs {
		entry, ok := parseCache.Load(in)
		require.True(t, ok)
		assert.Equal(t, in, entry.(*parseResult).cs.String())
	}
}
