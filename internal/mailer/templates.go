package mailer

import (
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// Default subjects for the built-in templates.
const (
	DefaultClaimCodeSubject    = "Your account verification code"
	DefaultReactivationSubject = "Your account has been restored"
)

// TemplateData carries the variables the built-in templates accept.
type TemplateData struct {
	AppName  string
	Name     string
	Username string
	Code     string
	Minutes  int
}

var claimCodeHTML = htmltemplate.Must(htmltemplate.New("claim_code").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
  <h2>Verify your email</h2>
  <p>Hello{{if .Name}} {{.Name}}{{end}},</p>
  <p>Use this code to finish recovering your {{.AppName}} account:</p>
  <p style="font-size: 28px; letter-spacing: 6px; font-weight: bold;">{{.Code}}</p>
  <p>The code expires in {{.Minutes}} minutes. If you did not request it, you can ignore this message.</p>
</body>
</html>`))

var claimCodeText = texttemplate.Must(texttemplate.New("claim_code").Parse(
	`Hello{{if .Name}} {{.Name}}{{end}},

Use this code to finish recovering your {{.AppName}} account: {{.Code}}

The code expires in {{.Minutes}} minutes. If you did not request it, you can ignore this message.
`))

var reactivationHTML = htmltemplate.Must(htmltemplate.New("reactivation").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
  <h2>Welcome back</h2>
  <p>Hello{{if .Name}} {{.Name}}{{end}},</p>
  <p>Your {{.AppName}} account has been restored from the archive. You can sign in with the username <strong>{{.Username}}</strong>.</p>
  <p>If anything looks wrong, contact the school office.</p>
</body>
</html>`))

var reactivationText = texttemplate.Must(texttemplate.New("reactivation").Parse(
	`Hello{{if .Name}} {{.Name}}{{end}},

Your {{.AppName}} account has been restored from the archive. You can sign in with the username {{.Username}}.

If anything looks wrong, contact the school office.
`))

// RenderClaimCode renders the verification-code email.
func RenderClaimCode(data TemplateData) (html, text string, err error) {
	return render(claimCodeHTML, claimCodeText, data)
}

// RenderReactivation renders the account-restored notice.
func RenderReactivation(data TemplateData) (html, text string, err error) {
	return render(reactivationHTML, reactivationText, data)
}

func render(h *htmltemplate.Template, t *texttemplate.Template, data TemplateData) (string, string, error) {
	if data.AppName == "" {
		data.AppName = "CFBC"
	}
	var hb, tb strings.Builder
	if err := h.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	if err := t.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render text: %w", err)
	}
	return hb.String(), tb.String(), nil
}
