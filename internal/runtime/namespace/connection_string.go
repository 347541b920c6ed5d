package namespace

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

var connectionStringPattern = regexp.MustCompile(
	`(?i)^Endpoint=sb://([a-z][a-z0-9-]{4,48}[a-z0-9])\.([a-z0-9-]+(?:\.[a-z0-9-]+)+)/?;SharedAccessKeyName=([^;]+);SharedAccessKey=(.+)$`,
)

// ConnectionString is the parsed identity of a broker namespace. The zero
// value is not a valid identity.
type ConnectionString struct {
	namespaceName string
	domain        string
	policyName    string
	policyKey     string
	raw           string
}

type parseResult struct {
	once sync.Once
	cs   ConnectionString
	err  error
}

// parseCache memoizes parse outcomes per raw input. Each distinct input is
// parsed exactly once no matter how many goroutines race on it.
var parseCache sync.Map

// ParseConnectionString validates value and returns its identity. Results,
// including failures, are cached per input string.
func ParseConnectionString(value string) (ConnectionString, error) {
	entry, _ := parseCache.LoadOrStore(value, &parseResult{})
	res := entry.(*parseResult)
	res.once.Do(func() {
		res.cs, res.err = parse(value)
	})
	return res.cs, res.err
}

// MustParseConnectionString is like ParseConnectionString but panics on
// invalid input. Intended for tests and static configuration.
func MustParseConnectionString(value string) ConnectionString {
	cs, err := ParseConnectionString(value)
	if err != nil {
		panic(err)
	}
	return cs
}

// IsConnectionString reports whether value matches the connection string grammar.
func IsConnectionString(value string) bool {
	_, err := ParseConnectionString(value)
	return err == nil
}

func parse(value string) (ConnectionString, error) {
	m := connectionStringPattern.FindStringSubmatch(value)
	if m == nil {
		return ConnectionString{}, fmt.Errorf("%w: %s", errspkg.ErrInvalidFormat, redact(value))
	}
	return ConnectionString{
		namespaceName: m[1],
		domain:        m[2],
		policyName:    m[3],
		policyKey:     m[4],
		raw:           value,
	}, nil
}

func (c ConnectionString) NamespaceName() string { return c.namespaceName }

func (c ConnectionString) Domain() string { return c.domain }

func (c ConnectionString) PolicyName() string { return c.policyName }

func (c ConnectionString) PolicyKey() string { return c.policyKey }

// IsZero reports whether c was never parsed.
func (c ConnectionString) IsZero() bool { return c.raw == "" }

// Equal compares namespace and policy names case-insensitively and the key
// exactly. The raw text is ignored.
func (c ConnectionString) Equal(other ConnectionString) bool {
	return strings.EqualFold(c.namespaceName, other.namespaceName) &&
		strings.EqualFold(c.policyName, other.policyName) &&
		c.policyKey == other.policyKey
}

// Key returns a canonical string that is identical for equal identities.
func (c ConnectionString) Key() string {
	return strings.ToLower(c.namespaceName) + "|" + strings.ToLower(c.policyName) + "|" + c.policyKey
}

// String returns the text the identity was parsed from.
func (c ConnectionString) String() string { return c.raw }

// Redacted returns the connection string with the key masked.
func (c ConnectionString) Redacted() string {
	if c.IsZero() {
		return ""
	}
	return fmt.Sprintf("Endpoint=sb://%s.%s;SharedAccessKeyName=%s;SharedAccessKey=****",
		c.namespaceName, c.domain, c.policyName)
}

func redact(value string) string {
	idx := strings.Index(strings.ToLower(value), "sharedaccesskey=")
	if idx < 0 {
		return value
	}
	return value[:idx] + "SharedAccessKey=****"
}
