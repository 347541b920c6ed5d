package routing

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

type Auditable interface{ AuditTrail() string }

type Envelope struct{ CorrelationID string }

type OrderEvent struct {
	Envelope
	OrderID string
}

func (OrderEvent) AuditTrail() string { return "order" }

type OrderShipped struct {
	*OrderEvent
	Carrier string
}

type Unrelated struct{}

func TestMapRegistersAncestors(t *testing.T) {
	p := NewPublishers(nil)
	require.NoError(t, p.MapContracts(reflect.TypeFor[Auditable]()))
	require.NoError(t, p.Map("shipping", reflect.TypeFor[OrderShipped]()))

	for _, typ := range []reflect.Type{
		reflect.TypeFor[OrderShipped](),
		reflect.TypeFor[*OrderShipped](),
		reflect.TypeFor[OrderEvent](),
		reflect.TypeFor[Envelope](),
		reflect.TypeFor[Auditable](),
	} {
		names, err := p.PublishersFor(typ)
		require.NoError(t, err, typ.String())
		assert.Equal(t, []string{"shipping"}, names, typ.String())
	}
	assert.False(t, p.HasPublishersFor(reflect.TypeFor[Unrelated]()))
}

func TestMapKeepsPublisherSet(t *testing.T) {
	p := NewPublishers(nil)
	typ := reflect.TypeFor[OrderEvent]()

	require.NoError(t, p.Map("sales", typ))
	require.NoError(t, p.Map("billing", typ))
	require.NoError(t, p.Map("sales", typ))
	require.NoError(t, p.Map("audit", reflect.TypeFor[OrderShipped]()))

	names, err := p.PublishersFor(typ)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "billing", "sales"}, names)

	names, err = p.PublishersFor(reflect.TypeFor[OrderShipped]())
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, names, "descendants are not affected by ancestor mappings")
}

func TestPublishersForUnknownType(t *testing.T) {
	p := NewPublishers(nil)
	_, err := p.PublishersFor(reflect.TypeFor[Unrelated]())
	assert.ErrorIs(t, err, errspkg.ErrUnknownType)
	assert.False(t, p.HasPublishersFor(reflect.TypeFor[Unrelated]()))
}

func TestMapRejectsInvalidInput(t *testing.T) {
	p := NewPublishers(nil)
	assert.ErrorIs(t, p.Map("", reflect.TypeFor[OrderEvent]()), errspkg.ErrInvalidFormat)
	assert.ErrorIs(t, p.Map("sales", reflect.TypeFor[string]()), errspkg.ErrUnknownType)
	assert.ErrorIs(t, p.MapContracts(reflect.TypeFor[OrderEvent]()), errspkg.ErrInvalidFormat)
}

func TestCustomConventionsFilterAncestors(t *testing.T) {
	onlyEvents := ConventionsFunc(func(t reflect.Type) bool {
		return t == reflect.TypeFor[OrderEvent]() || t == reflect.TypeFor[OrderShipped]()
	})
	p := NewPublishers(onlyEvents)
	require.NoError(t, p.Map("shipping", reflect.TypeFor[OrderShipped]()))

	assert.True(t, p.HasPublishersFor(reflect.TypeFor[OrderEvent]()))
	assert.False(t, p.HasPublishersFor(reflect.TypeFor[Envelope]()))
}

func TestDefaultConventions(t *testing.T) {
	tests := []struct {
		name string
		typ  reflect.Type
		want bool
	}{
		{"struct", reflect.TypeFor[OrderEvent](), true},
		{"pointer to struct", reflect.TypeFor[*OrderEvent](), true},
		{"interface", reflect.TypeFor[Auditable](), true},
		{"proto message", reflect.TypeFor[*structpb.Struct](), true},
		{"string", reflect.TypeFor[string](), false},
		{"slice", reflect.TypeFor[[]byte](), false},
		{"pointer to int", reflect.TypeFor[*int](), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultConventions.IsMessageType(tt.typ))
		})
	}
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, reflect.TypeFor[OrderEvent](), TypeOf(&OrderEvent{}))
	assert.Equal(t, reflect.TypeFor[OrderEvent](), TypeOf(OrderEvent{}))
}

func TestTypeName(t *testing.T) {
	const pkg = "github.com/drblury/sbflow/internal/runtime/routing"
	assert.Equal(t, pkg+".OrderEvent", TypeName(reflect.TypeFor[OrderEvent]()))
	assert.Equal(t, pkg+".OrderEvent", TypeName(reflect.TypeFor[*OrderEvent]()))
	assert.Equal(t, pkg+".Auditable", TypeName(reflect.TypeFor[Auditable]()))
	assert.Equal(t, "[]string", TypeName(reflect.TypeFor[[]string]()))
	assert.Empty(t, TypeName(nil))
}

func TestConcurrentMapAndLookup(t *testing.T) {
	p := NewPublishers(nil)
	typ := reflect.TypeFor[OrderEvent]()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.Map([]string{"a", "b", "c"}[i%3], typ)
		}()
		go func() {
			defer wg.Done()
			_, _ = p.PublishersFor(typ)
		}()
	}
	wg.Wait()

	names, err := p.PublishersFor(typ)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}
