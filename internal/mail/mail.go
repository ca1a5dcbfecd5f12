// Package mail sends outgoing email through the configured backend.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/logging"
)

const (
	BackendSMTP    = "smtp"
	BackendConsole = "console"
	BackendMemory  = "memory"

	adminMailTimeout = 10 * time.Second
)

// ErrNoRecipients is returned for messages without recipients.
var ErrNoRecipients = errors.New("message has no recipients")

// Message is a plain-text email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Backend delivers messages.
type Backend interface {
	Send(ctx context.Context, msgs ...Message) error
}

// NewBackend selects a backend by the configured name.
func NewBackend(settings config.EmailSettings, out io.Writer) (Backend, error) {
	switch settings.Backend {
	case BackendSMTP:
		return NewSMTPBackend(settings), nil
	case BackendConsole:
		if out == nil {
			out = os.Stdout
		}
		return &ConsoleBackend{settings: settings, out: out}, nil
	case BackendMemory:
		return &MemoryBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown email backend %q", settings.Backend)
	}
}

func (m Message) build(defaultFrom string) (*gomail.Msg, error) {
	if len(m.To) == 0 {
		return nil, ErrNoRecipients
	}
	from := m.From
	if from == "" {
		from = defaultFrom
	}

	msg := gomail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("from %q: %w", from, err)
	}
	if err := msg.To(m.To...); err != nil {
		return nil, fmt.Errorf("to %v: %w", m.To, err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, m.Body)
	return msg, nil
}

// SMTPBackend delivers through an SMTP relay.
type SMTPBackend struct {
	settings config.EmailSettings
}

// NewSMTPBackend returns a backend for the configured relay. The connection
// is opened per Send call.
func NewSMTPBackend(settings config.EmailSettings) *SMTPBackend {
	return &SMTPBackend{settings: settings}
}

// Send dials the relay and delivers msgs in one session.
func (b *SMTPBackend) Send(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	built := make([]*gomail.Msg, 0, len(msgs))
	for _, m := range msgs {
		msg, err := m.build(b.settings.DefaultFrom)
		if err != nil {
			return err
		}
		built = append(built, msg)
	}

	opts := []gomail.Option{gomail.WithTLSPolicy(gomail.TLSOpportunistic)}
	if b.settings.Port > 0 {
		opts = append(opts, gomail.WithPort(b.settings.Port))
	}
	if b.settings.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(b.settings.Username),
			gomail.WithPassword(b.settings.Password),
		)
	}

	client, err := gomail.NewClient(b.settings.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, built...); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// ConsoleBackend writes each message to a stream.
type ConsoleBackend struct {
	mu       sync.Mutex
	settings config.EmailSettings
	out      io.Writer
}

// Send writes msgs separated by a dashed line.
func (b *ConsoleBackend) Send(ctx context.Context, msgs ...Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := m.build(b.settings.DefaultFrom)
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(b.out); err != nil {
			return err
		}
		if _, err := io.WriteString(b.out, "\n"+strings.Repeat("-", 79)+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBackend keeps messages in an outbox.
type MemoryBackend struct {
	mu     sync.Mutex
	outbox []Message
}

// Send appends msgs to the outbox.
func (b *MemoryBackend) Send(_ context.Context, msgs ...Message) error {
	for _, m := range msgs {
		if len(m.To) == 0 {
			return ErrNoRecipients
		}
	}
	b.mu.Lock()
	b.outbox = append(b.outbox, msgs...)
	b.mu.Unlock()
	return nil
}

// Outbox returns a copy of the sent messages.
func (b *MemoryBackend) Outbox() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.outbox)
}

// MailAdmins sends a message to every admin. It is a no-op without admins.
func MailAdmins(ctx context.Context, backend Backend, settings config.EmailSettings, admins []config.Contact, subject, body string) error {
	return mailContacts(ctx, backend, settings, admins, subject, body)
}

// MailManagers sends a message to every manager. It is a no-op without managers.
func MailManagers(ctx context.Context, backend Backend, settings config.EmailSettings, managers []config.Contact, subject, body string) error {
	return mailContacts(ctx, backend, settings, managers, subject, body)
}

func mailContacts(ctx context.Context, backend Backend, settings config.EmailSettings, contacts []config.Contact, subject, body string) error {
	if len(contacts) == 0 {
		return nil
	}
	to := make([]string, 0, len(contacts))
	for _, c := range contacts {
		to = append(to, (&mail.Address{Name: c.Name, Address: c.Email}).String())
	}
	return backend.Send(ctx, Message{
		From:    settings.ServerEmail,
		To:      to,
		Subject: settings.SubjectPrefix + subject,
		Body:    body,
	})
}

// AdminNotifier adapts MailAdmins to the mail_admins log handler.
func AdminNotifier(backend Backend, settings config.EmailSettings, admins []config.Contact) logging.MailFunc {
	return func(subject, body string) error {
		ctx, cancel := context.WithTimeout(context.Background(), adminMailTimeout)
		defer cancel()
		return MailAdmins(ctx, backend, settings, admins, subject, body)
	}
}
