package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mixelka/unibox/internal/actor"
	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/kv"
	"github.com/mixelka/unibox/internal/notify"
	"github.com/mixelka/unibox/internal/permission"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/internal/resolution"
	"github.com/mixelka/unibox/pkg/models"
)

type fakeDriver struct {
	platform models.Platform
	sent     []provider.SendParams
	statuses []provider.StatusParams
	sendErr  error
	nextID   string
	onSend   func(params provider.SendParams)
}

func (d *fakeDriver) Platform() models.Platform { return d.platform }
func (d *fakeDriver) ValidateCredentials(context.Context, string) error { return nil }

func (d *fakeDriver) Poll(context.Context, int64, string, string) (*provider.PollResult, error) {
	return &provider.PollResult{}, nil
}

func (d *fakeDriver) SendMessage(_ context.Context, params provider.SendParams) (*provider.SendResult, error) {
	d.sent = append(d.sent, params)
	if d.onSend != nil {
		d.onSend(params)
	}
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	return &provider.SendResult{MessageID: d.nextID, SentAt: time.Now()}, nil
}

func (d *fakeDriver) UpdateMessageStatus(_ context.Context, params provider.StatusParams) (bool, error) {
	d.statuses = append(d.statuses, params)
	return true, nil
}

type recordingNotifier struct {
	events []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.events = append(r.events, n)
	return nil
}

type fixture struct {
	svc      *Service
	db       *database.DB
	engine   *resolution.Engine
	actors   *actor.Resolver
	email    *fakeDriver
	notifier *recordingNotifier
	account  *models.Account
}

func newFixture(t *testing.T, checker permission.Checker) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	cache, err := kv.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	email := &fakeDriver{platform: models.PlatformEmail, nextID: "sent-1@y.com"}
	registry, err := provider.NewRegistry(
		&fakeDriver{platform: models.PlatformTelegram},
		email,
		&fakeDriver{platform: models.PlatformTwitter},
	)
	if err != nil {
		t.Fatal(err)
	}

	account := &models.Account{UserID: 1, Platform: models.PlatformEmail, ExternalAccountID: "acct@y.com", Credentials: "token"}
	if err := db.CreateAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	if checker == nil {
		checker = permission.NewStatic([]int64{9})
	}
	engine := resolution.NewEngine(db, logger)
	actors := actor.NewResolver(cache, db, logger)
	notifier := &recordingNotifier{}
	svc := NewService(Deps{
		DB:          db,
		Engine:      engine,
		Registry:    registry,
		Actors:      actors,
		Permissions: checker,
		Notifier:    notifier,
		Decrypt:     func(s string) (string, error) { return s, nil },
		Logger:      logger,
	})
	return &fixture{svc: svc, db: db, engine: engine, actors: actors, email: email, notifier: notifier, account: account}
}

func (f *fixture) countMessages(t *testing.T, conversationID int64) int {
	t.Helper()
	msgs, err := f.db.GetRecentMessages(context.Background(), conversationID, 100)
	if err != nil {
		t.Fatal(err)
	}
	return len(msgs)
}

func TestSend_FirstContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	msg, err := f.svc.Send(ctx, SendRequest{UserID: 9, AccountID: f.account.ID, Recipient: "dana@d.com", Subject: "Hello", Text: "Hi Dana"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(f.email.sent) != 1 {
		t.Fatalf("driver sends = %d", len(f.email.sent))
	}
	p := f.email.sent[0]
	if p.Token != "token" || len(p.Recipients) != 1 || p.Recipients[0] != "dana@d.com" || p.Subject != "Hello" {
		t.Errorf("send params = %+v", p)
	}

	if msg.ExternalMessageID != "sent-1@y.com" || msg.Status != models.StatusSent || models.Deref(msg.MessageID) != "sent-1@y.com" {
		t.Errorf("message = %+v", msg)
	}
	if msg.SentBy == nil || *msg.SentBy != 9 || *msg.SenderRole != models.RolePA {
		t.Errorf("actor = %v/%v", msg.SentBy, msg.SenderRole)
	}

	conv, err := f.db.GetConversationByID(ctx, msg.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if !conv.IsParent() || !conv.PlatformData.Bool(models.DataFirstOutbound) {
		t.Errorf("conversation = %+v", conv)
	}

	m, err := f.actors.Resolve(ctx, actor.Key{Platform: models.PlatformEmail, AccountID: f.account.ID, MessageID: "sent-1@y.com"}, actor.ResolveOptions{})
	if err != nil || m == nil || m.ActorUserID != 9 {
		t.Errorf("actor mapping = %+v, %v", m, err)
	}

	if len(f.notifier.events) != 1 || f.notifier.events[0].Event != notify.EventSent {
		t.Errorf("notifications = %+v", f.notifier.events)
	}
}

func TestSend_Failure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.email.sendErr = fmt.Errorf("550 mailbox unavailable")

	_, err := f.svc.Send(ctx, SendRequest{UserID: 1, AccountID: f.account.ID, Recipient: "x@d.com", Text: "hi"})
	if err == nil {
		t.Fatal("Send() succeeded")
	}

	conv, err := f.db.GetConversationByExternalID(ctx, models.PlatformEmail, f.account.ID, fmt.Sprintf("%d:x@d.com", f.account.ID))
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := f.db.GetRecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != models.StatusFailed {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Event != notify.EventSendFailed || f.notifier.events[0].Success {
		t.Errorf("notifications = %+v", f.notifier.events)
	}
}

func TestSend_EchoArrivedFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// The echo is ingested while the send is still in flight
	f.email.onSend = func(params provider.SendParams) {
		conv, err := f.db.GetConversationByExternalID(ctx, models.PlatformEmail, f.account.ID, fmt.Sprintf("%d:dana@d.com", f.account.ID))
		if err != nil {
			t.Fatal(err)
		}
		err = f.db.CreateMessage(ctx, &models.Message{
			ConversationID:    conv.ID,
			AccountID:         f.account.ID,
			Platform:          models.PlatformEmail,
			ExternalMessageID: "sent-1@y.com",
			Direction:         models.DirectionOutbound,
			Status:            models.StatusSent,
			MessageID:         models.StrPtr("sent-1@y.com"),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msg, err := f.svc.Send(ctx, SendRequest{UserID: 1, AccountID: f.account.ID, Recipient: "dana@d.com", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.SentBy == nil || *msg.SentBy != 1 {
		t.Errorf("echo not attributed: %+v", msg.SentBy)
	}
	if n := f.countMessages(t, msg.ConversationID); n != 1 {
		t.Errorf("conversation has %d messages, want 1", n)
	}
}

func TestSend_Forbidden(t *testing.T) {
	deny := permission.Func(func(context.Context, int64, models.Platform) (permission.Grant, error) {
		return permission.Grant{CanView: true}, nil
	})
	f := newFixture(t, deny)

	_, err := f.svc.Send(context.Background(), SendRequest{UserID: 1, AccountID: f.account.ID, Recipient: "x@d.com"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Send() error = %v, want ErrForbidden", err)
	}
	if len(f.email.sent) != 0 {
		t.Error("driver called despite denial")
	}
}

// seedThread stores an inbound message from bob and returns its conversation
func (f *fixture) seedThread(t *testing.T, id string, unread bool) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	res, err := f.engine.Resolve(ctx, f.account, &models.NormalizedMessage{
		ExternalMessageID:      id,
		ConversationExternalID: "bob@x.com",
		Direction:              models.DirectionInbound,
		SenderHandle:           "bob@x.com",
		MessageID:              id,
		References:             []string{"root@x.com"},
		InReplyTo:              "root@x.com",
		Subject:                "Quote",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = f.db.CreateMessage(ctx, &models.Message{
		ConversationID:    res.Conversation.ID,
		AccountID:         f.account.ID,
		Platform:          models.PlatformEmail,
		ExternalMessageID: id,
		Direction:         models.DirectionInbound,
		Status:            models.StatusDelivered,
		MessageID:         models.StrPtr(id),
		References:        models.StringList{"root@x.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if unread {
		f.db.AddUnread(ctx, res.Conversation.ID, 1)
		f.db.AddUnread(ctx, *res.Conversation.ParentID, 1)
	}
	return res.Conversation
}

func TestSend_ReplyThreading(t *testing.T) {
	f := newFixture(t, nil)
	child := f.seedThread(t, "q1@x.com", false)

	if _, err := f.svc.Send(context.Background(), SendRequest{UserID: 1, AccountID: f.account.ID, ConversationID: child.ID, Text: "ok"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	p := f.email.sent[0]
	if p.InReplyTo != "q1@x.com" || len(p.References) != 2 || p.References[1] != "q1@x.com" {
		t.Errorf("threading = %q %v", p.InReplyTo, p.References)
	}
	if p.Subject != "Re: Quote" || p.Recipients[0] != "bob@x.com" {
		t.Errorf("subject/recipients = %q %v", p.Subject, p.Recipients)
	}
}

func TestMarkRead_Parent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	child := f.seedThread(t, "u1@x.com", true)
	f.seedThread(t, "u2@x.com", true)

	res, err := f.svc.MarkRead(ctx, 1, *child.ParentID)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if res.Updated != 2 || !res.Remote {
		t.Errorf("result = %+v", res)
	}
	if len(f.email.statuses) != 1 || len(f.email.statuses[0].MessageIDs) != 2 {
		t.Errorf("remote updates = %+v", f.email.statuses)
	}

	for _, id := range []int64{child.ID, *child.ParentID} {
		conv, err := f.db.GetConversationByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if conv.UnreadCount != 0 {
			t.Errorf("conversation %d unread = %d", id, conv.UnreadCount)
		}
	}
	if last := f.notifier.events[len(f.notifier.events)-1]; last.Event != notify.EventReadState {
		t.Errorf("last notification = %s", last.Event)
	}
}
