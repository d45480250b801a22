package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/civic-notify/internal/channel"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/ratelimit"
	"github.com/kursadbilgin/civic-notify/internal/repository"
)

func newTestDispatcher(
	t *testing.T,
	queue repository.QueueRepository,
	logs repository.LogRepository,
	limiter ratelimit.RecipientLimiter,
	clients ...channel.Client,
) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(queue, logs, channel.NewClients(clients...), limiter, time.Second, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return testNow }
	return d
}

func phoneAndEmail() domain.Payload {
	return domain.Payload{
		RecipientName:  "Kim",
		RecipientPhone: "010-0000-0000",
		RecipientEmail: "kim@example.org",
	}
}

func TestNewDispatcherValidatesDependencies(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo()
	logs := &memLogRepo{}
	clients := channel.NewClients()

	if _, err := NewDispatcher(nil, logs, clients, nil, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil queue repository")
	}
	if _, err := NewDispatcher(queue, nil, clients, nil, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil log repository")
	}
	if _, err := NewDispatcher(queue, logs, nil, nil, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil channel clients")
	}

	if _, err := NewDispatcher(queue, logs, clients, nil, time.Minute, time.Minute, nil); err == nil {
		t.Fatal("expected error for a claim lease that does not exceed the send timeout")
	}

	d, err := NewDispatcher(queue, logs, clients, nil, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if d.sendTimeout != defaultSendTimeout || d.claimLease != defaultClaimLease {
		t.Fatalf("defaults not applied: timeout=%s lease=%s", d.sendTimeout, d.claimLease)
	}
	if _, ok := d.limiter.(ratelimit.Disabled); !ok {
		t.Fatalf("nil limiter should become Disabled, got %T", d.limiter)
	}
}

func TestDispatchSendsOnPreferredChannel(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	logs := &memLogRepo{}
	sms := &fakeClient{channel: domain.ChannelSMS}
	email := &fakeClient{channel: domain.ChannelEmail}

	outcome, err := newTestDispatcher(t, queue, logs, nil, sms, email).Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomeSent)
	}

	row := queue.get("q-1")
	if row.Status != domain.StatusSent || row.Channel != domain.ChannelSMS {
		t.Fatalf("row status/channel = %s/%s, want SENT/SMS", row.Status, row.Channel)
	}
	if row.AttemptCount != 1 {
		t.Fatalf("attemptCount = %d, want 1", row.AttemptCount)
	}
	if row.SentAt == nil || !row.SentAt.Equal(testNow) {
		t.Fatalf("sentAt = %v, want %v", row.SentAt, testNow)
	}
	if row.ProviderMessageID == nil || *row.ProviderMessageID != "msg-SMS" {
		t.Fatalf("providerMessageId = %v", row.ProviderMessageID)
	}
	if row.Error != nil || row.LockedUntil != nil {
		t.Fatalf("error/lockedUntil should be cleared, got %v/%v", row.Error, row.LockedUntil)
	}
	if email.calls.Load() != 0 {
		t.Fatalf("email calls = %d, want 0", email.calls.Load())
	}

	sent := logs.byStatus("q-1", domain.StatusSent)
	if len(sent) != 1 || sent[0].AttemptNumber != 1 || sent[0].Channel != domain.ChannelSMS {
		t.Fatalf("sent logs = %+v", sent)
	}
}

func TestDispatchFallsBackToEmail(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	logs := &memLogRepo{}
	sms := &fakeClient{
		channel: domain.ChannelSMS,
		sendFn:  failingSend(domain.ChannelSMS, &channel.TransportError{StatusCode: 500, Message: "gateway down"}),
	}
	email := &fakeClient{channel: domain.ChannelEmail}

	outcome, err := newTestDispatcher(t, queue, logs, nil, sms, email).Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomeSent)
	}

	row := queue.get("q-1")
	if row.Status != domain.StatusSent || row.Channel != domain.ChannelEmail {
		t.Fatalf("row status/channel = %s/%s, want SENT/EMAIL", row.Status, row.Channel)
	}
	if row.Recipient != "kim@example.org" {
		t.Fatalf("recipient = %q, want the email address", row.Recipient)
	}
	if row.AttemptCount != 1 {
		t.Fatalf("attemptCount = %d, want 1 for a single dispatch", row.AttemptCount)
	}

	failed := logs.byStatus("q-1", domain.StatusFailed)
	sent := logs.byStatus("q-1", domain.StatusSent)
	if len(failed) != 1 || failed[0].Channel != domain.ChannelSMS {
		t.Fatalf("failed logs = %+v, want one SMS entry", failed)
	}
	if len(sent) != 1 || sent[0].Channel != domain.ChannelEmail {
		t.Fatalf("sent logs = %+v, want one EMAIL entry", sent)
	}
	if failed[0].Error == nil || !strings.Contains(*failed[0].Error, "gateway down") {
		t.Fatalf("failed log error = %v", failed[0].Error)
	}
}

func TestDispatchSkipsUnavailableChat(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelChat, phoneAndEmail()))
	logs := &memLogRepo{}
	chat := &fakeClient{channel: domain.ChannelChat, unavailable: true}
	sms := &fakeClient{channel: domain.ChannelSMS}

	outcome, err := newTestDispatcher(t, queue, logs, nil, chat, sms).Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomeSent)
	}
	if chat.calls.Load() != 0 {
		t.Fatalf("chat calls = %d, want 0", chat.calls.Load())
	}
	if got := queue.get("q-1").Channel; got != domain.ChannelSMS {
		t.Fatalf("channel = %s, want SMS", got)
	}

	entries, _ := logs.ListByQueueID(context.Background(), "q-1")
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1 (unavailable channels are not logged)", len(entries))
	}
}

func TestDispatchFailureLeavesRowPendingUntilExhausted(t *testing.T) {
	t.Parallel()

	payload := domain.Payload{RecipientName: "Lee", RecipientEmail: "lee@example.org"}
	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelEmail, payload))
	logs := &memLogRepo{}
	email := &fakeClient{
		channel: domain.ChannelEmail,
		sendFn:  failingSend(domain.ChannelEmail, errors.New("smtp refused")),
	}
	d := newTestDispatcher(t, queue, logs, nil, email)

	for attempt := 1; attempt <= domain.DefaultMaxAttempts; attempt++ {
		outcome, err := d.Dispatch(context.Background(), "q-1")
		if err != nil {
			t.Fatalf("attempt %d: Dispatch() unexpected error = %v", attempt, err)
		}

		row := queue.get("q-1")
		if row.AttemptCount != attempt {
			t.Fatalf("attempt %d: attemptCount = %d", attempt, row.AttemptCount)
		}

		if attempt < domain.DefaultMaxAttempts {
			if outcome != OutcomePending || row.Status != domain.StatusPending {
				t.Fatalf("attempt %d: outcome/status = %s/%s, want pending/PENDING", attempt, outcome, row.Status)
			}
			if row.Error != nil {
				t.Fatalf("attempt %d: error should stay empty while pending, got %q", attempt, *row.Error)
			}
			continue
		}

		if outcome != OutcomeFailed || row.Status != domain.StatusFailed {
			t.Fatalf("final attempt: outcome/status = %s/%s, want failed/FAILED", outcome, row.Status)
		}
		if row.Error == nil || !strings.Contains(*row.Error, "smtp refused") {
			t.Fatalf("final error = %v", row.Error)
		}
	}

	// A terminal row is never sent again.
	outcome, err := d.Dispatch(context.Background(), "q-1")
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("Dispatch() after FAILED = %s, %v; want skipped", outcome, err)
	}
	if got := email.calls.Load(); got != int32(domain.DefaultMaxAttempts) {
		t.Fatalf("email calls = %d, want %d", got, domain.DefaultMaxAttempts)
	}
	if got := len(logs.byStatus("q-1", domain.StatusFailed)); got != domain.DefaultMaxAttempts {
		t.Fatalf("failed logs = %d, want %d", got, domain.DefaultMaxAttempts)
	}
}

func TestDispatchNoAvailableChannel(t *testing.T) {
	t.Parallel()

	row := pendingRow("q-1", domain.ChannelSMS, phoneAndEmail())
	row.MaxAttempts = 1
	queue := newMemQueueRepo(row)
	logs := &memLogRepo{}
	sms := &fakeClient{channel: domain.ChannelSMS, unavailable: true}

	outcome, err := newTestDispatcher(t, queue, logs, nil, sms).Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomeFailed)
	}

	got := queue.get("q-1")
	if got.Error == nil || *got.Error != errNoAvailableChannel.Error() {
		t.Fatalf("error = %v, want %q", got.Error, errNoAvailableChannel)
	}

	entries, _ := logs.ListByQueueID(context.Background(), "q-1")
	if len(entries) != 1 || entries[0].Status != domain.StatusFailed {
		t.Fatalf("log entries = %+v, want one FAILED entry", entries)
	}
}

func TestDispatchRenderErrorIsReturned(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	logs := &memLogRepo{}
	sms := &fakeClient{
		channel: domain.ChannelSMS,
		sendFn: func(context.Context, channel.Message) (channel.Result, error) {
			return channel.Result{}, fmt.Errorf("%w: missing key", channel.ErrRender)
		},
	}
	email := &fakeClient{channel: domain.ChannelEmail}

	outcome, err := newTestDispatcher(t, queue, logs, nil, sms, email).Dispatch(context.Background(), "q-1")
	if !errors.Is(err, channel.ErrRender) {
		t.Fatalf("Dispatch() error = %v, want ErrRender", err)
	}
	if outcome != OutcomePending {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomePending)
	}
	if email.calls.Load() != 0 {
		t.Fatal("render errors must not fall back to the next channel")
	}
	if got := len(logs.byStatus("q-1", domain.StatusFailed)); got != 1 {
		t.Fatalf("failed logs = %d, want 1", got)
	}
}

func TestDispatchSkipsMissingAndTerminalRows(t *testing.T) {
	t.Parallel()

	sentRow := pendingRow("q-sent", domain.ChannelSMS, phoneAndEmail())
	sentRow.Status = domain.StatusSent
	queue := newMemQueueRepo(sentRow)
	sms := &fakeClient{channel: domain.ChannelSMS}
	d := newTestDispatcher(t, queue, &memLogRepo{}, nil, sms)

	for _, id := range []string{"missing", "q-sent"} {
		outcome, err := d.Dispatch(context.Background(), id)
		if err != nil {
			t.Fatalf("Dispatch(%s) unexpected error = %v", id, err)
		}
		if outcome != OutcomeSkipped {
			t.Fatalf("Dispatch(%s) outcome = %s, want skipped", id, outcome)
		}
	}
	if sms.calls.Load() != 0 {
		t.Fatalf("sms calls = %d, want 0", sms.calls.Load())
	}
}

func TestDispatchRateLimitedDefers(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	sms := &fakeClient{channel: domain.ChannelSMS}

	var gotKey string
	limiter := &fakeLimiter{canSendFn: func(_ context.Context, key string) (bool, error) {
		gotKey = key
		return false, nil
	}}

	outcome, err := newTestDispatcher(t, queue, &memLogRepo{}, limiter, sms).Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeDeferred {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomeDeferred)
	}
	if gotKey != "010-0000-0000" {
		t.Fatalf("limiter key = %q, want the row recipient", gotKey)
	}

	row := queue.get("q-1")
	if row.Status != domain.StatusPending || row.AttemptCount != 0 || row.LastAttemptAt != nil {
		t.Fatalf("deferred row = %s/%d, want PENDING with no attempt consumed", row.Status, row.AttemptCount)
	}
	if row.LockedUntil == nil || !row.LockedUntil.Equal(testNow.Add(defaultDeferBackoff)) {
		t.Fatalf("LockedUntil = %v, want now + defer backoff", row.LockedUntil)
	}
	if sms.calls.Load() != 0 {
		t.Fatal("deferred rows must not be sent")
	}
}

func TestDispatchLosingClaimDoesNotSpendRateLimit(t *testing.T) {
	t.Parallel()

	row := pendingRow("q-1", domain.ChannelSMS, phoneAndEmail())
	held := testNow.Add(time.Minute)
	row.LockedUntil = &held
	queue := newMemQueueRepo(row)

	var checks int
	limiter := &fakeLimiter{canSendFn: func(context.Context, string) (bool, error) {
		checks++
		return true, nil
	}}

	outcome, err := newTestDispatcher(t, queue, &memLogRepo{}, limiter, &fakeClient{channel: domain.ChannelSMS}).
		Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("Dispatch() outcome = %s, want skipped", outcome)
	}
	if checks != 0 {
		t.Fatalf("limiter checks = %d, want 0 for a row held by another worker", checks)
	}
}

func TestDispatchStopsFallbackWhenLeaseRunsOut(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	logs := &memLogRepo{}

	var (
		mu    sync.Mutex
		clock = testNow
	)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	sms := &fakeClient{
		channel: domain.ChannelSMS,
		sendFn: func(_ context.Context, msg channel.Message) (channel.Result, error) {
			mu.Lock()
			clock = clock.Add(45 * time.Second)
			mu.Unlock()
			return channel.Result{Channel: domain.ChannelSMS, Recipient: msg.Payload.RecipientPhone, Err: context.DeadlineExceeded}, nil
		},
	}
	email := &fakeClient{channel: domain.ChannelEmail}

	d, err := NewDispatcher(queue, logs, channel.NewClients(sms, email), nil, 40*time.Second, 50*time.Second, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = now

	outcome, err := d.Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomePending {
		t.Fatalf("Dispatch() outcome = %s, want pending", outcome)
	}
	if email.calls.Load() != 0 {
		t.Fatalf("email calls = %d, want 0 once the lease cannot cover the send", email.calls.Load())
	}

	got := queue.get("q-1")
	if got.Status != domain.StatusPending || got.AttemptCount != 1 || got.LockedUntil != nil {
		t.Fatalf("row = %s/%d lock=%v, want released PENDING after one attempt", got.Status, got.AttemptCount, got.LockedUntil)
	}
	if failed := logs.byStatus("q-1", domain.StatusFailed); len(failed) != 1 {
		t.Fatalf("failed logs = %d, want 1 for the sms attempt", len(failed))
	}
}

func TestDispatchStaleClaimCannotFinish(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	sms := &fakeClient{
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg channel.Message) (channel.Result, error) {
			// The lease lapsed mid-send and a second worker took the row.
			if _, err := queue.Claim(ctx, msg.QueueID, testNow.Add(2*time.Minute), time.Minute); err != nil {
				t.Errorf("Claim() error = %v", err)
			}
			return channel.Result{Success: true, Channel: domain.ChannelSMS, Recipient: msg.Payload.RecipientPhone}, nil
		},
	}

	_, err := newTestDispatcher(t, queue, &memLogRepo{}, nil, sms).Dispatch(context.Background(), "q-1")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Dispatch() error = %v, want ErrConflict", err)
	}

	got := queue.get("q-1")
	if got.Status != domain.StatusPending || got.AttemptCount != 2 {
		t.Fatalf("row = %s/%d, want PENDING owned by the second claim", got.Status, got.AttemptCount)
	}
	if got.LockedUntil == nil || !got.LockedUntil.Equal(testNow.Add(3*time.Minute)) {
		t.Fatalf("LockedUntil = %v, want the second worker's lease", got.LockedUntil)
	}
}

func TestDispatchRateLimitPerRecipient(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(
		pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()),
		pendingRow("q-2", domain.ChannelSMS, phoneAndEmail()),
	)
	sms := &fakeClient{channel: domain.ChannelSMS}
	d := newTestDispatcher(t, queue, &memLogRepo{}, ratelimit.NewMemoryLimiter(1), sms)

	first, err := d.Dispatch(context.Background(), "q-1")
	if err != nil || first != OutcomeSent {
		t.Fatalf("first Dispatch() = %s, %v; want sent", first, err)
	}
	second, err := d.Dispatch(context.Background(), "q-2")
	if err != nil || second != OutcomeDeferred {
		t.Fatalf("second Dispatch() = %s, %v; want deferred", second, err)
	}
}

func TestDispatchLimiterErrorAllowsSend(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	limiter := &fakeLimiter{canSendFn: func(context.Context, string) (bool, error) {
		return false, errors.New("redis down")
	}}

	outcome, err := newTestDispatcher(t, queue, &memLogRepo{}, limiter, &fakeClient{channel: domain.ChannelSMS}).
		Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("Dispatch() outcome = %s, want %s", outcome, OutcomeSent)
	}
}

func TestDispatchLogFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	logs := &memLogRepo{createErr: errors.New("log table locked")}

	outcome, err := newTestDispatcher(t, queue, logs, nil, &fakeClient{channel: domain.ChannelSMS}).
		Dispatch(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("Dispatch() unexpected error = %v", err)
	}
	if outcome != OutcomeSent || queue.get("q-1").Status != domain.StatusSent {
		t.Fatalf("Dispatch() outcome = %s, want sent", outcome)
	}
}

func TestDispatchClaimErrorIsReturned(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	queue.claimErr = errors.New("connection reset")

	_, err := newTestDispatcher(t, queue, &memLogRepo{}, nil, &fakeClient{channel: domain.ChannelSMS}).
		Dispatch(context.Background(), "q-1")
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Dispatch() error = %v, want claim error", err)
	}
}

func TestDispatchConcurrentCallsSendOnce(t *testing.T) {
	t.Parallel()

	queue := newMemQueueRepo(pendingRow("q-1", domain.ChannelSMS, phoneAndEmail()))
	release := make(chan struct{})
	sms := &fakeClient{
		channel: domain.ChannelSMS,
		sendFn: func(_ context.Context, msg channel.Message) (channel.Result, error) {
			<-release
			return channel.Result{Success: true, Channel: domain.ChannelSMS, Recipient: msg.Payload.RecipientPhone}, nil
		},
	}
	d := newTestDispatcher(t, queue, &memLogRepo{}, nil, sms)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[Outcome]int)
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			outcome, err := d.Dispatch(context.Background(), "q-1")
			if err != nil {
				t.Errorf("Dispatch() unexpected error = %v", err)
			}
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}

	// Let every goroutine reach the claim before the winner finishes sending.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := sms.calls.Load(); got != 1 {
		t.Fatalf("sms calls = %d, want exactly 1", got)
	}
	if outcomes[OutcomeSent] != 1 || outcomes[OutcomeSkipped] != workers-1 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if row := queue.get("q-1"); row.AttemptCount != 1 {
		t.Fatalf("attemptCount = %d, want 1", row.AttemptCount)
	}
}
