package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	failSet        bool
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{idempotencySet: make(map[string]bool)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSet {
		return false, errors.New("redis: connection refused")
	}
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

func (m *mockCacheRepo) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

func (m *mockCacheRepo) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idempotencySet[key]
}

type mockNotifier struct {
	mu        sync.Mutex
	delivered []domain.PaymentInstruction
	err       error
	block     chan struct{}
}

func (m *mockNotifier) Notify(ctx context.Context, instruction domain.PaymentInstruction) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.delivered = append(m.delivered, instruction)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delivered)
}

type mockQueue struct {
	mu     sync.Mutex
	queued []domain.PaymentInstruction
}

func (m *mockQueue) Enqueue(instruction domain.PaymentInstruction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, instruction)
	return true
}

type mockProvider struct {
	mu             sync.Mutex
	calls          []domain.CheckoutRequest
	err            error
	captured       []string
	captureErr     error
	capturePending bool
}

func (m *mockProvider) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return domain.CheckoutSession{}, m.err
	}
	return domain.CheckoutSession{
		ProviderID:  "ORDER-" + req.Reference,
		ApprovalURL: "https://pay.example/approve?token=" + req.Reference,
	}, nil
}

func (m *mockProvider) Capture(ctx context.Context, orderID string) (domain.CaptureResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = append(m.captured, orderID)
	if m.captureErr != nil {
		return domain.CaptureResult{}, m.captureErr
	}
	out := domain.CaptureResult{
		ProviderID: orderID,
		Reference:  strings.TrimPrefix(orderID, "ORDER-"),
		Outcome:    domain.OutcomePaid,
		Raw:        []byte(`{"status":"COMPLETED"}`),
	}
	if m.capturePending {
		out.Outcome = ""
		out.Raw = []byte(`{"status":"PENDING"}`)
	}
	return out, nil
}

func (m *mockProvider) captureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captured)
}

type stubInstrument struct{}

func (stubInstrument) PayURI(a domain.Attempt) string {
	return "upi://pay?tid=" + a.Reference + "&am=" + domain.FormatAmount(a.Amount)
}

// mockExpirer counts sweeps and can fail them.
type mockExpirer struct {
	mu    sync.Mutex
	calls int
	ttls  []time.Duration
	err   error
	swept chan struct{}
}

func (m *mockExpirer) ReleaseExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]domain.Attempt, error) {
	m.mu.Lock()
	m.calls++
	m.ttls = append(m.ttls, ttl)
	err := m.err
	m.mu.Unlock()

	if m.swept != nil {
		select {
		case m.swept <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return nil, err
	}
	return []domain.Attempt{{ID: 1}}, nil
}

func (m *mockExpirer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockSweepLock struct {
	mu       sync.Mutex
	holder   string
	released int
}

func (m *mockSweepLock) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == "" || m.holder == holder {
		m.holder = holder
		return true, nil
	}
	return false, nil
}

func (m *mockSweepLock) Release(ctx context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == holder {
		m.holder = ""
	}
	m.released++
	return nil
}
