package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/civic-notify/internal/channel"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/repository"
)

// memQueueRepo mirrors the conditional updates of GormQueueRepo in memory.
type memQueueRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.NotificationQueue

	createErr error
	claimErr  error
	finishErr error
}

func newMemQueueRepo(rows ...domain.NotificationQueue) *memQueueRepo {
	r := &memQueueRepo{rows: make(map[string]*domain.NotificationQueue)}
	for i := range rows {
		row := rows[i]
		r.rows[row.ID] = &row
	}
	return r
}

func (r *memQueueRepo) Create(_ context.Context, n *domain.NotificationQueue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.rows[n.ID]; ok {
		return domain.ErrConflict
	}
	row := *n
	r.rows[n.ID] = &row
	return nil
}

func (r *memQueueRepo) CreateSurveyRequest(_ context.Context, n *domain.NotificationQueue) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return false, r.createErr
	}
	for _, row := range r.rows {
		if row.TicketID == n.TicketID && row.Type == domain.TypeSatisfactionRequest {
			return false, nil
		}
	}
	row := *n
	r.rows[n.ID] = &row
	return true, nil
}

func (r *memQueueRepo) GetByID(_ context.Context, id string) (*domain.NotificationQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (r *memQueueRepo) ListByTicket(_ context.Context, ticketID string) ([]domain.NotificationQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NotificationQueue
	for _, row := range r.rows {
		if row.TicketID == ticketID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memQueueRepo) ListPending(_ context.Context, now time.Time, limit int) ([]domain.NotificationQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NotificationQueue
	for _, row := range r.rows {
		if claimable(row, now) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := sortKey(out[i]), sortKey(out[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memQueueRepo) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (*domain.NotificationQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	row, ok := r.rows[id]
	if !ok || !claimable(row, now) {
		return nil, nil
	}
	row.AttemptCount++
	at := now
	row.LastAttemptAt = &at
	until := now.Add(lease)
	row.LockedUntil = &until
	out := *row
	return &out, nil
}

func (r *memQueueRepo) Finish(_ context.Context, id string, params repository.FinishParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishErr != nil {
		return r.finishErr
	}
	row, ok := r.rows[id]
	if !ok || row.Status != domain.StatusPending || row.AttemptCount != params.Attempt {
		return domain.ErrConflict
	}
	row.Status = params.Status
	row.LockedUntil = nil
	row.Error = params.Error
	if params.Channel != "" {
		row.Channel = params.Channel
	}
	if params.Recipient != "" {
		row.Recipient = params.Recipient
	}
	if params.SentAt != nil {
		row.SentAt = params.SentAt
	}
	if params.ProviderMessageID != nil {
		row.ProviderMessageID = params.ProviderMessageID
	}
	return nil
}

func (r *memQueueRepo) Defer(_ context.Context, id string, params repository.DeferParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != domain.StatusPending || row.AttemptCount != params.Attempt {
		return domain.ErrConflict
	}
	row.AttemptCount--
	row.LastAttemptAt = params.LastAttemptAt
	until := params.Until
	row.LockedUntil = &until
	return nil
}

func (r *memQueueRepo) FailAbandoned(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == domain.StatusPending && row.Exhausted() &&
			row.LockedUntil != nil && row.LockedUntil.Before(now) {
			row.Status = domain.StatusFailed
			row.LockedUntil = nil
			message := "final attempt abandoned before completion"
			row.Error = &message
			n++
		}
	}
	return n, nil
}

func (r *memQueueRepo) get(id string) domain.NotificationQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *memQueueRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func claimable(row *domain.NotificationQueue, now time.Time) bool {
	return row.Status == domain.StatusPending &&
		row.AttemptCount < row.MaxAttempts &&
		(row.LockedUntil == nil || row.LockedUntil.Before(now))
}

func sortKey(row domain.NotificationQueue) time.Time {
	if row.LastAttemptAt != nil {
		return *row.LastAttemptAt
	}
	return row.CreatedAt
}

type memLogRepo struct {
	mu        sync.Mutex
	entries   []domain.NotificationLog
	createErr error
}

func (r *memLogRepo) Create(_ context.Context, l *domain.NotificationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.entries = append(r.entries, *l)
	return nil
}

func (r *memLogRepo) ListByQueueID(_ context.Context, queueID string) ([]domain.NotificationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NotificationLog
	for _, entry := range r.entries {
		if entry.QueueID == queueID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memLogRepo) byStatus(queueID string, status domain.Status) []domain.NotificationLog {
	entries, _ := r.ListByQueueID(context.Background(), queueID)
	var out []domain.NotificationLog
	for _, entry := range entries {
		if entry.Status == status {
			out = append(out, entry)
		}
	}
	return out
}

type fakeTicketRepo struct {
	listFn func(ctx context.Context, from, to time.Time, limit int) ([]domain.Ticket, error)
}

func (f *fakeTicketRepo) ListSurveyEligible(ctx context.Context, from, to time.Time, limit int) ([]domain.Ticket, error) {
	if f.listFn != nil {
		return f.listFn(ctx, from, to, limit)
	}
	return nil, nil
}

// fakeClient counts sends and delegates to sendFn; without sendFn every send succeeds.
type fakeClient struct {
	channel     domain.Channel
	unavailable bool
	calls       atomic.Int32
	sendFn      func(ctx context.Context, msg channel.Message) (channel.Result, error)
}

func (f *fakeClient) Channel() domain.Channel { return f.channel }

func (f *fakeClient) IsAvailable() bool { return !f.unavailable }

func (f *fakeClient) Send(ctx context.Context, msg channel.Message) (channel.Result, error) {
	f.calls.Add(1)
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return channel.Result{
		Success:   true,
		Channel:   f.channel,
		Recipient: msg.Payload.ContactFor(f.channel),
		MessageID: "msg-" + string(f.channel),
	}, nil
}

func failingSend(ch domain.Channel, err error) func(context.Context, channel.Message) (channel.Result, error) {
	return func(_ context.Context, msg channel.Message) (channel.Result, error) {
		return channel.Result{Channel: ch, Recipient: msg.Payload.ContactFor(ch), Err: err}, nil
	}
}

type fakeLimiter struct {
	canSendFn func(ctx context.Context, key string) (bool, error)
}

func (f *fakeLimiter) CanSend(ctx context.Context, key string) (bool, error) {
	if f.canSendFn != nil {
		return f.canSendFn(ctx, key)
	}
	return true, nil
}

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func pendingRow(id string, ch domain.Channel, payload domain.Payload) domain.NotificationQueue {
	return domain.NotificationQueue{
		ID:          id,
		TicketID:    "tkt_" + id,
		Type:        domain.TypeStatusUpdate,
		Channel:     ch,
		Recipient:   payload.ContactFor(ch),
		Payload:     payload,
		Status:      domain.StatusPending,
		MaxAttempts: domain.DefaultMaxAttempts,
		CreatedAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow.Add(-time.Hour),
	}
}
