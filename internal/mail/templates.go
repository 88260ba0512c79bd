package mail

import (
	"bytes"
	"fmt"
	"html/template"
)

const layout = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; background-color: #f4f4f4;">
  <div style="max-width: 600px; margin: 20px auto; background: #ffffff; padding: 20px;">
    <h2>{{.Title}}</h2>
    <p>Hello {{.Name}},</p>
    {{block "body" .}}{{end}}
    <p>Lexdesk support</p>
  </div>
</body>
</html>`

var (
	verificationTmpl = template.Must(template.Must(template.New("verification").Parse(layout)).Parse(
		`{{define "body"}}<p>Please confirm your email address. The link expires in {{.Minutes}} minutes.</p>
<p><a href="{{.Link}}">Verify my account</a></p>{{end}}`))

	resetTmpl = template.Must(template.Must(template.New("reset").Parse(layout)).Parse(
		`{{define "body"}}<p>We received a request to reset your password. The link expires in {{.Minutes}} minutes.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>If you did not ask for this, you can ignore this email.</p>{{end}}`))

	passwordChangedTmpl = template.Must(template.Must(template.New("password_changed").Parse(layout)).Parse(
		`{{define "body"}}<p>The password for your account was changed by <strong>{{.Initiator}}</strong>.</p>
<p>If you did not make this change, contact support immediately.</p>{{end}}`))
)

type view struct {
	Title     string
	Name      string
	Link      string
	Minutes   int
	Initiator string
}

// VerificationMessage renders the account verification email.
func VerificationMessage(to, name, link string, minutes int) (Message, error) {
	return render(verificationTmpl, to, "Verify your account", view{Name: name, Link: link, Minutes: minutes})
}

// PasswordResetMessage renders the password reset email.
func PasswordResetMessage(to, name, link string, minutes int) (Message, error) {
	return render(resetTmpl, to, "Reset your password", view{Name: name, Link: link, Minutes: minutes})
}

// PasswordChangedMessage renders the notice sent after any password change.
func PasswordChangedMessage(to, name, initiator string) (Message, error) {
	return render(passwordChangedTmpl, to, "Your password was changed", view{Name: name, Initiator: initiator})
}

func render(t *template.Template, to, subject string, v view) (Message, error) {
	v.Title = subject
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return Message{}, fmt.Errorf("mail: render %s: %w", t.Name(), err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String()}, nil
}
