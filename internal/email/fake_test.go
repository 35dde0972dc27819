package email

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/emersion/go-imap"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMessage struct {
	uid   uint32
	flags []string
	raw   string
}

// fakeConn is an in-memory IMAP session
type fakeConn struct {
	mu        sync.Mutex
	mailboxes map[string][]*fakeMessage
	special   map[string]string // name -> attribute
	selected  string
	loggedOut chan struct{}
	closed    bool
	stored    []uint32
	fetchErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		mailboxes: map[string][]*fakeMessage{"INBOX": nil},
		special:   map[string]string{},
		loggedOut: make(chan struct{}),
	}
}

func (f *fakeConn) add(mailbox string, uid uint32, raw string, flags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailboxes[mailbox] = append(f.mailboxes[mailbox], &fakeMessage{uid: uid, flags: flags, raw: raw})
}

func (f *fakeConn) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mailboxes[name]; !ok {
		return nil, errors.New("no such mailbox")
	}
	f.selected = name
	return &imap.MailboxStatus{Name: name, Messages: uint32(len(f.mailboxes[name]))}, nil
}

func (f *fakeConn) List(ref, name string, ch chan *imap.MailboxInfo) error {
	f.mu.Lock()
	var names []string
	for n := range f.mailboxes {
		names = append(names, n)
	}
	f.mu.Unlock()
	sort.Strings(names)

	for _, n := range names {
		info := &imap.MailboxInfo{Name: n}
		if attr, ok := f.special[n]; ok {
			info.Attributes = []string{attr}
		}
		ch <- info
	}
	close(ch)
	return nil
}

func (f *fakeConn) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for _, m := range f.mailboxes[f.selected] {
		if len(criteria.WithoutFlags) > 0 && hasFlag(m.flags, criteria.WithoutFlags[0]) {
			continue
		}
		if id := criteria.Header.Get("Message-Id"); id != "" && !bytes.Contains([]byte(m.raw), []byte("<"+id+">")) {
			continue
		}
		out = append(out, m.uid)
	}
	// servers do not promise ordering
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

func (f *fakeConn) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	if f.fetchErr != nil {
		return f.fetchErr
	}
	f.mu.Lock()
	var msgs []*imap.Message
	for _, m := range f.mailboxes[f.selected] {
		if !seqset.Contains(m.uid) {
			continue
		}
		msg := imap.NewMessage(m.uid, items)
		msg.Uid = m.uid
		msg.Flags = append([]string(nil), m.flags...)
		msg.Body[&imap.BodySectionName{}] = bytes.NewReader([]byte(m.raw))
		msgs = append(msgs, msg)
	}
	f.mu.Unlock()

	for _, msg := range msgs {
		ch <- msg
	}
	return nil
}

func (f *fakeConn) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	if ch != nil {
		defer close(ch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mailboxes[f.selected] {
		if seqset.Contains(m.uid) {
			if !hasFlag(m.flags, imap.SeenFlag) {
				m.flags = append(m.flags, imap.SeenFlag)
			}
			f.stored = append(f.stored, m.uid)
		}
	}
	return nil
}

func (f *fakeConn) State() imap.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return imap.LogoutState
	}
	return imap.AuthenticatedState
}

func (f *fakeConn) LoggedOut() <-chan struct{} {
	return f.loggedOut
}

func (f *fakeConn) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.loggedOut)
	}
	return nil
}

func (f *fakeConn) Terminate() error {
	return f.Logout()
}

func (f *fakeConn) seen(mailbox string, uid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mailboxes[mailbox] {
		if m.uid == uid {
			return hasFlag(m.flags, imap.SeenFlag)
		}
	}
	return false
}

func rawMail(from, to, subject, messageID, inReplyTo, refs, body string) string {
	var b bytes.Buffer
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n")
	if messageID != "" {
		b.WriteString("Message-ID: <" + messageID + ">\r\n")
	}
	if inReplyTo != "" {
		b.WriteString("In-Reply-To: <" + inReplyTo + ">\r\n")
	}
	if refs != "" {
		b.WriteString("References: " + refs + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body + "\r\n")
	return b.String()
}
