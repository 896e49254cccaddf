// Package email delivers transactional mail rendered from named templates.
package email

import "context"

// Message is a rendered email with plain-text and HTML alternatives.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// EmailSender delivers transactional email.
type EmailSender interface {
	Send(ctx context.Context, msg Message) error
}
