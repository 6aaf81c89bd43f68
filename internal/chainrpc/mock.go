package chainrpc

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// MockClient is a deterministic, in-memory Client used across engine and
// lifecycle tests: transactions "confirm" as soon as the test calls
// Confirm, never by wall-clock delay.
type MockClient struct {
	mu        sync.Mutex
	confirmed map[string]Confirmation
	tip       uint64
}

// NewMockClient returns a MockClient with an empty confirmation set.
func NewMockClient() *MockClient {
	return &MockClient{confirmed: make(map[string]Confirmation)}
}

func (m *MockClient) SubmitTransaction(ctx context.Context, txData []byte) (string, error) {
	h := blake2b.Sum256(txData)
	return hex.EncodeToString(h[:]), nil
}

// Confirm marks txHash confirmed at the given height/time — the test
// harness's hook for simulating block inclusion.
func (m *MockClient) Confirm(txHash string, height uint64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[txHash] = Confirmation{Confirmed: true, BlockHeight: height, BlockTimeUnix: at.Unix()}
	if height > m.tip {
		m.tip = height
	}
}

func (m *MockClient) TransactionStatus(ctx context.Context, txHash string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed[txHash], nil
}

func (m *MockClient) WaitConfirmed(ctx context.Context, txHash string) (Confirmation, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if conf, _ := m.TransactionStatus(ctx, txHash); conf.Confirmed {
			return conf, nil
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MockClient) Tip(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

var _ Client = (*MockClient)(nil)
