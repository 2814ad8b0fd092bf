package venue_test

import (
	"IndexVault/internal/observability"
	"IndexVault/internal/testutil"
	"IndexVault/internal/venue"
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_OverLiveNATS(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL(), nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	prefix := "test.venue." + t.Name()
	sub, err := nc.Subscribe(prefix+".block_number", func(m *nats.Msg) {
		m.Respond([]byte(`{"result":{"block":777}}`))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	c := venue.NewBridgeClient(nc, venue.BridgeConfig{SubjectPrefix: prefix, Timeout: 2 * time.Second},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	block, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(777), block)

	// nothing answers token_info on this prefix
	_, err = c.TokenInfo(context.Background(), 1)
	require.Error(t, err)
}
