// Package mailbox reads the user's own mailbox over IMAP so a selected
// message can be handed to the redaction pipeline. It never modifies or
// moves messages.
package mailbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/phishpond/phishpond/internal/config"
)

// Summary is the listing view of a message, envelope data only.
type Summary struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
}

// Message is one fully fetched message with its body parts collected.
type Message struct {
	UID        uint32
	From       string
	FromDomain string
	Subject    string
	Date       time.Time
	TextBody   string
	HTMLBody   string
}

// Content returns the body to analyze, preferring HTML when both parts
// exist: HTML carries the structure the redaction pipeline needs most.
func (m *Message) Content() string {
	if m.HTMLBody != "" {
		return m.HTMLBody
	}
	return m.TextBody
}

// Client wraps one IMAP connection.
type Client struct {
	cfg  config.MailboxConfig
	imap *client.Client
}

func New(cfg config.MailboxConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect establishes the IMAP connection and selects the configured
// folder.
func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Server, c.cfg.Port)

	log.Printf("Connecting to IMAP server %s...", addr)

	imapClient, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := imapClient.Login(c.cfg.Email, c.cfg.Password); err != nil {
		imapClient.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	if _, err := imapClient.Select(c.cfg.Folder, true); err != nil {
		imapClient.Logout()
		return fmt.Errorf("failed to select folder %s: %w", c.cfg.Folder, err)
	}

	c.imap = imapClient
	return nil
}

func (c *Client) Disconnect() error {
	if c.imap != nil {
		return c.imap.Logout()
	}
	return nil
}

// ListRecent returns envelope summaries for messages from the last N
// days, newest last (IMAP order).
func (c *Client) ListRecent(ctx context.Context, days int) ([]Summary, error) {
	if c.imap == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	since := time.Now().AddDate(0, 0, -days)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := c.imap.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.imap.UidFetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, messages)
	}()

	var summaries []Summary
	for msg := range messages {
		if msg == nil || msg.Envelope == nil {
			continue
		}
		s := Summary{
			UID:     msg.Uid,
			Subject: msg.Envelope.Subject,
			Date:    msg.Envelope.Date,
		}
		if len(msg.Envelope.From) > 0 {
			s.From = msg.Envelope.From[0].Address()
		}
		summaries = append(summaries, s)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return summaries, nil
}

// Fetch retrieves one message's envelope and body parts by UID.
func (c *Client) Fetch(ctx context.Context, uid uint32) (*Message, error) {
	if c.imap == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	// Peek so reading a message for analysis never marks it seen
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.imap.UidFetch(seqSet, items, messages)
	}()

	var parsed *Message
	for msg := range messages {
		m, err := parseMessage(msg, section)
		if err != nil {
			log.Printf("Warning: failed to parse message %d: %v", uid, err)
			continue
		}
		if m != nil {
			parsed = m
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if parsed == nil {
		return nil, fmt.Errorf("message %d not found", uid)
	}
	return parsed, nil
}

func parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, nil
	}

	m := &Message{
		UID:     msg.Uid,
		Subject: msg.Envelope.Subject,
		Date:    msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		m.From = msg.Envelope.From[0].Address()
		m.FromDomain = SenderDomain(m.From)
	}

	r := msg.GetBody(section)
	if r == nil {
		return m, nil
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return m, nil // Envelope only when the body does not parse
	}

	// The reader walks nested multiparts itself; collect every inline
	// text part, HTML and plain separately.
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(p.Body)

			switch {
			case strings.HasPrefix(ct, "text/plain"):
				m.TextBody = joinPart(m.TextBody, string(body))
			case strings.HasPrefix(ct, "text/html"):
				m.HTMLBody = joinPart(m.HTMLBody, string(body))
			}
		}
	}

	return m, nil
}

func joinPart(existing, part string) string {
	part = strings.TrimSpace(part)
	if existing == "" {
		return part
	}
	if part == "" {
		return existing
	}
	return existing + "\n" + part
}

// SenderDomain extracts the lowercased domain from an address or a raw
// From header value.
func SenderDomain(from string) string {
	at := strings.LastIndex(from, "@")
	if at < 0 || at == len(from)-1 {
		return ""
	}
	domain := from[at+1:]
	domain = strings.TrimSuffix(domain, ">")
	return strings.ToLower(strings.TrimSpace(domain))
}
