package services

import (
	"net"
	"net/smtp"

	"xolo/internal/config"
	"xolo/internal/env"
	"xolo/internal/logger"

	"github.com/jordan-wright/email"
)

// Alerter notifies admins about failures nobody is watching.
type Alerter interface {
	Alert(subject, body string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(string, string) {}

// EmailAlerter sends alerts through an SMTP relay.
type EmailAlerter struct {
	cfg  config.AlertConfig
	send func(e *email.Email) error
}

/**
 * Create the alerter for a configuration
 * @returns {Alerter} A no-op alerter when no SMTP relay is configured
 */
func NewAlerter(cfg config.AlertConfig) Alerter {
	if cfg.SMTPAddr == "" || len(cfg.To) == 0 {
		return nopAlerter{}
	}
	a := &EmailAlerter{cfg: cfg}
	a.send = func(e *email.Email) error {
		var auth smtp.Auth
		if cfg.User != "" {
			host, _, err := net.SplitHostPort(cfg.SMTPAddr)
			if err != nil {
				host = cfg.SMTPAddr
			}
			auth = smtp.PlainAuth("", cfg.User, cfg.Password, host)
		}
		return e.Send(cfg.SMTPAddr, auth)
	}
	return a
}

func (a *EmailAlerter) message(subject, body string) *email.Email {
	e := email.NewEmail()
	e.From = a.cfg.From
	if e.From == "" {
		e.From = "xolo@" + env.Hostname()
	}
	e.To = a.cfg.To
	e.Subject = "[xolo] " + subject
	e.Text = []byte(body + "\n\n-- \nxolo server on " + env.Hostname() + "\n")
	return e
}

// Alert sends in the background, delivery failures are only logged.
func (a *EmailAlerter) Alert(subject, body string) {
	e := a.message(subject, body)
	go func() {
		if err := a.send(e); err != nil {
			logger.Errorf("Send alert '%s' failed: %v", subject, err)
		}
	}()
}
