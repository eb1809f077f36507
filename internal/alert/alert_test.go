package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/mock"
)

type mockAlertChannel struct {
	name     string
	mu       sync.Mutex
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
}

func (m *mockAlertChannel) Name() string { return m.name }

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertFansOutToEveryChannel(t *testing.T) {
	am := NewAlertManager(mock.NewLogger())
	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Test Alert", "This is a test", Info, map[string]string{"key": "value"})

	// Delivery is async.
	require.Eventually(t, func() bool {
		return len(ch1.getSent()) == 1 && len(ch2.getSent()) == 1
	}, time.Second, 10*time.Millisecond)

	payload := ch1.getSent()[0]
	assert.Equal(t, "Test Alert", payload.Title)
	assert.Equal(t, Info, payload.Level)
	assert.Equal(t, "value", payload.Fields["key"])
}
