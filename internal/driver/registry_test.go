package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"labinstr/internal/driver/ieee488"
	"labinstr/internal/model"
)

type nopQuerier struct{}

func (nopQuerier) Send(context.Context, string) error { return nil }
func (nopQuerier) Receive(context.Context) ([]byte, error) { return nil, nil }
func (nopQuerier) Query(context.Context, string) ([]byte, error) { return nil, nil }
func (nopQuerier) Close() error { return nil }

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry(nil)
	RegisterDefaultDrivers(r, zap.NewNop())

	assert.Equal(t, []string{"*", "ieee488"}, r.List())
	assert.True(t, r.IsSupported("IEEE488"))
	assert.True(t, r.IsSupported("hp8563e"))

	d, err := r.Create("hp8563e", nopQuerier{})
	require.NoError(t, err)
	assert.Equal(t, ieee488.Name, d.Name())
}

func TestRegistryNoFallback(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("ieee488", ieee488.New)

	assert.False(t, r.IsSupported("keithley2400"))
	_, err := r.Create("keithley2400", nopQuerier{})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
