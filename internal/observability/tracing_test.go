package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedge/linkedge/internal/config"
)

func TestInitTracing(t *testing.T) {
	t.Run("disabled returns a no-op shutdown", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("enabled with lazy exporter", func(t *testing.T) {
		cfg := config.TracingConfig{Enabled: true, Endpoint: "http://localhost:4318", SampleRate: 0.5}
		shutdown, err := InitTracing(context.Background(), cfg, "v1.0.0")
		require.NoError(t, err)
		_ = shutdown(context.Background())
	})
}

func TestTracerIsUsableWithoutProvider(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestNewResourceCarriesServiceIdentity(t *testing.T) {
	res, err := newResource("linkedge-test", "v1.2.3")
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "linkedge-test", attrs["service.name"])
	assert.Equal(t, "v1.2.3", attrs["service.version"])
	assert.NotEmpty(t, attrs["telemetry.sdk.language"], "SDK defaults are kept")
}
