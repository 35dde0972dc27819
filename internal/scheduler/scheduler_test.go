package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/pkg/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identity(s string) (string, error) { return s, nil }

type fakeDriver struct {
	platform models.Platform
	result   *provider.PollResult
	err      error
	tokens   []string
}

func (d *fakeDriver) Platform() models.Platform { return d.platform }
func (d *fakeDriver) ValidateCredentials(context.Context, string) error { return nil }

func (d *fakeDriver) Poll(_ context.Context, _ int64, token, cursor string) (*provider.PollResult, error) {
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func (d *fakeDriver) SendMessage(context.Context, provider.SendParams) (*provider.SendResult, error) {
	return nil, provider.ErrUnsupported
}

func (d *fakeDriver) UpdateMessageStatus(context.Context, provider.StatusParams) (bool, error) {
	return false, nil
}

type fakeQueue struct {
	polls     []models.PollJob
	reconcile []models.ReconciliationJob
	contacts  []models.ContactsSyncJob
	saves     []models.SaveMessageJob
}

func (q *fakeQueue) EnqueuePoll(_ context.Context, j models.PollJob) error {
	q.polls = append(q.polls, j)
	return nil
}

func (q *fakeQueue) EnqueueReconcile(_ context.Context, j models.ReconciliationJob) error {
	q.reconcile = append(q.reconcile, j)
	return nil
}

func (q *fakeQueue) EnqueueContactsSync(_ context.Context, j models.ContactsSyncJob) error {
	q.contacts = append(q.contacts, j)
	return nil
}

func (q *fakeQueue) EnqueueSave(_ context.Context, j models.SaveMessageJob) error {
	q.saves = append(q.saves, j)
	return nil
}

type fakeListener struct {
	started map[int64]int
	stopped []int64
}

func (l *fakeListener) Start(_ context.Context, account *models.Account, _ string) error {
	l.started[account.ID]++
	return nil
}

func (l *fakeListener) Stop(id int64) { l.stopped = append(l.stopped, id) }

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func createAccount(t *testing.T, db *database.DB, platform models.Platform, external string) *models.Account {
	t.Helper()
	a := &models.Account{UserID: 1, Platform: platform, ExternalAccountID: external, Credentials: "secret-" + external, PollInterval: 60}
	if err := db.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

type jobsFixture struct {
	jobs    *Jobs
	db      *database.DB
	queue   *fakeQueue
	twitter *fakeDriver
	account *models.Account
	now     time.Time
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	db := newTestDB(t)
	twitter := &fakeDriver{platform: models.PlatformTwitter}
	registry, err := provider.NewRegistry(
		&fakeDriver{platform: models.PlatformTelegram},
		&fakeDriver{platform: models.PlatformEmail},
		twitter,
	)
	if err != nil {
		t.Fatal(err)
	}
	queue := &fakeQueue{}
	jobs := NewJobs(JobsDeps{DB: db, Registry: registry, Saves: queue, Decrypt: identity, Logger: discard()})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return now }

	return &jobsFixture{
		jobs:    jobs,
		db:      db,
		queue:   queue,
		twitter: twitter,
		account: createAccount(t, db, models.PlatformTwitter, "100"),
		now:     now,
	}
}

func (f *jobsFixture) poll(t *testing.T) error {
	t.Helper()
	payload, _ := json.Marshal(models.PollJob{AccountID: f.account.ID, Platform: models.PlatformTwitter})
	return f.jobs.Poll(context.Background(), payload)
}

func (f *jobsFixture) reload(t *testing.T) *models.Account {
	t.Helper()
	a, err := f.db.GetAccountByID(context.Background(), f.account.ID)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestPoll_EnqueuesAndAdvances(t *testing.T) {
	f := newJobsFixture(t)
	f.twitter.result = &provider.PollResult{
		Messages:   []models.NormalizedMessage{{ExternalMessageID: "1"}, {ExternalMessageID: "2"}},
		NextCursor: `{"sinceId":"2"}`,
	}

	if err := f.poll(t); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(f.queue.saves) != 2 || f.queue.saves[0].AccountID != f.account.ID {
		t.Fatalf("saves = %+v", f.queue.saves)
	}
	if f.twitter.tokens[0] != "secret-100" {
		t.Errorf("driver got token %q", f.twitter.tokens[0])
	}
	a := f.reload(t)
	if a.Cursor != `{"sinceId":"2"}` || a.LastPolledAt == nil {
		t.Errorf("account poll state = %q %v", a.Cursor, a.LastPolledAt)
	}
}

func TestPoll_BackoffResult(t *testing.T) {
	f := newJobsFixture(t)
	f.twitter.result = &provider.PollResult{NextCursor: "", BackoffMs: 60_000}

	if err := f.poll(t); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	a := f.reload(t)
	if a.NextPollAt == nil || !a.NextPollAt.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("NextPollAt = %v, want %v", a.NextPollAt, f.now.Add(time.Minute))
	}
	if a.DuePoll(f.now.Add(30 * time.Second)) {
		t.Error("account due during backoff")
	}
}

func TestPoll_RateLimitError(t *testing.T) {
	f := newJobsFixture(t)
	reset := f.now.Add(10 * time.Minute)
	f.twitter.err = &provider.RateLimitError{RetryAfter: 10 * time.Minute, ResetAt: reset, Scope: "poll15m"}

	if err := f.poll(t); err != nil {
		t.Fatalf("Poll() error = %v, want nil", err)
	}
	a := f.reload(t)
	if a.NextPollAt == nil || !a.NextPollAt.Equal(reset) {
		t.Errorf("NextPollAt = %v, want %v", a.NextPollAt, reset)
	}
}

func TestPoll_CredentialsRevoke(t *testing.T) {
	f := newJobsFixture(t)
	f.twitter.err = fmt.Errorf("unauthorized: %w", provider.ErrCredentials)

	if err := f.poll(t); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if a := f.reload(t); a.Status != models.AccountRevoked {
		t.Fatalf("status = %s, want revoked", a.Status)
	}

	// Revoked accounts are skipped
	f.twitter.err = nil
	if err := f.poll(t); err != nil {
		t.Fatal(err)
	}
	if len(f.twitter.tokens) != 1 {
		t.Errorf("driver polled %d times, want 1", len(f.twitter.tokens))
	}
}

func TestPoll_TransientIsReturned(t *testing.T) {
	f := newJobsFixture(t)
	f.twitter.err = fmt.Errorf("reset: %w", provider.ErrTransient)
	if err := f.poll(t); err == nil || !provider.IsRetryable(err) {
		t.Fatalf("Poll() error = %v, want retryable", err)
	}
}

func TestTick(t *testing.T) {
	db := newTestDB(t)
	email := createAccount(t, db, models.PlatformEmail, "a@x.com")
	tg := createAccount(t, db, models.PlatformTelegram, "bot")
	social := createAccount(t, db, models.PlatformTwitter, "100")

	later := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	if err := db.SetAccountNextPoll(context.Background(), social.ID, &later); err != nil {
		t.Fatal(err)
	}

	queue := &fakeQueue{}
	listener := &fakeListener{started: map[int64]int{}}
	s := New(db, queue, listener, identity, Config{Tick: time.Second, ReconcileCron: "*/15 * * * *"}, discard())
	now := time.Date(2024, 5, 1, 12, 15, 10, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())

	polled := map[int64]bool{}
	for _, j := range queue.polls {
		polled[j.AccountID] = true
	}
	if !polled[email.ID] || !polled[tg.ID] || polled[social.ID] {
		t.Errorf("polled = %v", polled)
	}
	if len(queue.reconcile) != 1 || queue.reconcile[0].AccountID != email.ID {
		t.Errorf("reconcile = %+v", queue.reconcile)
	}
	if len(queue.contacts) != 1 || queue.contacts[0].AccountID != social.ID {
		t.Errorf("contacts = %+v", queue.contacts)
	}

	// Same minute: cron does not fire twice, listener not restarted
	s.Tick(context.Background())
	if len(queue.reconcile) != 1 {
		t.Errorf("reconcile fired twice in one minute")
	}
	if listener.started[tg.ID] != 1 {
		t.Errorf("listener started %d times", listener.started[tg.ID])
	}

	// Revoked push account stops listening
	if err := db.SetAccountStatus(context.Background(), tg.ID, models.AccountRevoked); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	s.Tick(context.Background())
	if len(listener.stopped) != 1 || listener.stopped[0] != tg.ID {
		t.Errorf("stopped = %v", listener.stopped)
	}
}
