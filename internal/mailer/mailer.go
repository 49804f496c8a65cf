// Package mailer sends the chat lifecycle emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"negotiation-chat/internal/config"
	"negotiation-chat/internal/models"
)

// HireLinkTTL bounds how long a hire confirmation link stays valid.
const HireLinkTTL = 30 * 24 * time.Hour

// Dialer is the part of gomail.Dialer the mailer uses.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// TokenIssuer signs hire confirmation tokens.
type TokenIssuer interface {
	Issue(chatID, email, outcome string, ttl time.Duration) (string, error)
}

type Mailer struct {
	dialer    Dialer
	from      string
	publicURL string
	tokens    TokenIssuer
	log       *zap.Logger
}

// New builds an SMTP mailer. With an empty host every send is a logged no-op.
func New(cfg config.SMTPConfig, publicURL string, tokens TokenIssuer, log *zap.Logger) *Mailer {
	var dialer Dialer
	if cfg.Host != "" {
		dialer = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return NewWithDialer(dialer, cfg.From, publicURL, tokens, log)
}

func NewWithDialer(dialer Dialer, from, publicURL string, tokens TokenIssuer, log *zap.Logger) *Mailer {
	return &Mailer{
		dialer:    dialer,
		from:      from,
		publicURL: strings.TrimRight(publicURL, "/"),
		tokens:    tokens,
		log:       log.With(zap.String("component", "mailer")),
	}
}

// Enabled reports whether mails actually leave the process.
func (m *Mailer) Enabled() bool {
	return m.dialer != nil
}

func (m *Mailer) ChatRequested(ctx context.Context, to models.User, chat models.Chat) error {
	return m.send(ctx, to, "You have a new chat request", requestedTmpl, templateData{Chat: chat})
}

func (m *Mailer) ChatAccepted(ctx context.Context, to models.User, chat models.Chat) error {
	return m.send(ctx, to, "Your chat request was accepted", acceptedTmpl, templateData{Chat: chat})
}

// ChatClosed tells a participant the conversation is over. Companies also get
// the hire confirmation links.
func (m *Mailer) ChatClosed(ctx context.Context, to models.User, chat models.Chat) error {
	data := templateData{Chat: chat}
	if to.Role == models.RoleCompany && m.tokens != nil {
		var err error
		if data.HiredURL, err = m.hireLink(chat.ID, to.Email, models.HireOutcomeHired); err != nil {
			return err
		}
		if data.NotHiredURL, err = m.hireLink(chat.ID, to.Email, models.HireOutcomeNotHired); err != nil {
			return err
		}
	}
	subject := "Your conversation has ended"
	if chat.Status == models.StatusExpired {
		subject = "Your conversation has expired"
	}
	return m.send(ctx, to, subject, closedTmpl, data)
}

func (m *Mailer) hireLink(chatID, email, outcome string) (string, error) {
	token, err := m.tokens.Issue(chatID, email, outcome, HireLinkTTL)
	if err != nil {
		return "", fmt.Errorf("issue hire token: %w", err)
	}
	return m.publicURL + "/hire/confirm?token=" + url.QueryEscape(token), nil
}

type templateData struct {
	Chat        models.Chat
	HiredURL    string
	NotHiredURL string
}

func (m *Mailer) send(ctx context.Context, to models.User, subject string, tmpl *template.Template, data templateData) error {
	if to.Email == "" {
		return fmt.Errorf("user %s has no email", to.ID)
	}
	if m.dialer == nil {
		m.log.Debug("smtp disabled, mail skipped", zap.String("user_id", to.ID), zap.String("subject", subject))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}

	msg := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded))
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to.Email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body.String())

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	m.log.Debug("mail sent", zap.String("user_id", to.ID), zap.String("chat_id", data.Chat.ID), zap.String("template", tmpl.Name()))
	return nil
}
