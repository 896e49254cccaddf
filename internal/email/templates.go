package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"go.uber.org/zap"
)

// TemplateID names a transactional email template.
type TemplateID string

const (
	TemplateForgotPassword TemplateID = "forgotPassword"
	TemplateNewUser        TemplateID = "newUser"
)

// TemplateData is the context available to every template.
type TemplateData struct {
	Name string
	URL  string
}

type mailTemplate struct {
	subject string
	text    *template.Template
	html    *htmltemplate.Template
}

func newTemplate(id TemplateID, subject, text, html string) mailTemplate {
	return mailTemplate{
		subject: subject,
		text:    template.Must(template.New(string(id)).Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New(string(id)).Parse(html)),
	}
}

var templates = map[TemplateID]mailTemplate{
	TemplateForgotPassword: newTemplate(TemplateForgotPassword,
		"Reset your password",
		"Hello{{if .Name}} {{.Name}}{{end}},\n\nReset your password:\n\n  {{.URL}}\n\nThis link expires in 1 hour. If you did not request a reset, your password has not changed.\n",
		`<p>Hello{{if .Name}} {{.Name}}{{end}},</p><p><a href="{{.URL}}">Reset your password</a></p><p>This link expires in 1 hour.</p>`,
	),
	TemplateNewUser: newTemplate(TemplateNewUser,
		"Welcome to The Guide Genie!",
		"Hello {{.Name}},\n\nWelcome to The Guide Genie. Get started here:\n\n  {{.URL}}\n",
		`<p>Hello {{.Name}},</p><p>Welcome to The Guide Genie. <a href="{{.URL}}">Get started</a>.</p>`,
	),
}

// Render produces the message for template id addressed to to.
func Render(id TemplateID, to string, data TemplateData) (Message, error) {
	tpl, ok := templates[id]
	if !ok {
		return Message{}, fmt.Errorf("unknown email template %q", id)
	}
	var text, html bytes.Buffer
	if err := tpl.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render %s text: %w", id, err)
	}
	if err := tpl.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render %s html: %w", id, err)
	}
	return Message{To: to, Subject: tpl.subject, Text: text.String(), HTML: html.String()}, nil
}

// SendTemplate renders and sends a template. Failures are logged and
// reported as false; mail is never fatal to the caller.
func SendTemplate(ctx context.Context, sender EmailSender, to string, id TemplateID, data TemplateData, logger *zap.Logger) bool {
	msg, err := Render(id, to, data)
	if err != nil {
		logger.Error("render email", zap.String("template", string(id)), zap.Error(err))
		return false
	}
	if err := sender.Send(ctx, msg); err != nil {
		logger.Warn("send email",
			zap.String("template", string(id)),
			zap.String("to", to),
			zap.Error(err),
		)
		return false
	}
	return true
}
