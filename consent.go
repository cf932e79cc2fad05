package oauth

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/server"
)

// Form fields of the consent page
const (
	FieldDecision      = "decision"
	FieldConsentTicket = "consent_ticket"

	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// ConsentPage is what a ConsentRenderer needs to render the consent form.
// The form must post Fields back to Action together with FieldDecision.
type ConsentPage struct {
	Action string
	Grant  *server.Grant
	User   *owner.User
	Fields map[string]string
}

// ClientName returns the client's display name, falling back to its ID
func (p *ConsentPage) ClientName() string {
	if p.Grant.Client.ClientName != "" {
		return p.Grant.Client.ClientName
	}
	return p.Grant.Client.ClientID
}

// Scopes returns the scope being granted as a list
func (p *ConsentPage) Scopes() []string {
	return strings.Fields(p.Grant.Scope)
}

// ConsentRenderer renders the consent page of the authorization endpoint
type ConsentRenderer interface {
	RenderConsent(w http.ResponseWriter, r *http.Request, page *ConsentPage) error
}

// ConsentRendererFunc adapts a function to ConsentRenderer
type ConsentRendererFunc func(w http.ResponseWriter, r *http.Request, page *ConsentPage) error

// RenderConsent implements ConsentRenderer
func (f ConsentRendererFunc) RenderConsent(w http.ResponseWriter, r *http.Request, page *ConsentPage) error {
	return f(w, r, page)
}

// consentTemplate is the built-in consent page. Styles are inline so the page
// works under the consent page content security policy.
const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: system-ui, sans-serif; background: #f5f5f7; margin: 0; }
main { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 8px; padding: 32px; box-shadow: 0 2px 8px rgba(0,0,0,.08); }
h1 { font-size: 1.25rem; margin-top: 0; }
ul { padding-left: 1.25rem; }
.actions { display: flex; gap: 12px; margin-top: 24px; }
button { flex: 1; padding: 10px; border-radius: 6px; border: 1px solid #ccc; font-size: 1rem; cursor: pointer; }
button[value=allow] { background: #0b5fff; border-color: #0b5fff; color: #fff; }
</style>
</head>
<body>
<main>
<h1>{{.ClientName}} wants to access your account</h1>
<p>Signed in as <strong>{{.User.DisplayName}}</strong>.</p>
{{with .Scopes}}<p>Requested permissions:</p>
<ul>{{range .}}<li>{{.}}</li>{{end}}</ul>
{{else}}<p>No specific permissions were requested.</p>{{end}}
<form method="post" action="{{.Action}}">
{{range $name, $value := .Fields}}<input type="hidden" name="{{$name}}" value="{{$value}}">
{{end}}<div class="actions">
<button type="submit" name="decision" value="deny">Deny</button>
<button type="submit" name="decision" value="allow">Allow</button>
</div>
</form>
</main>
</body>
</html>
`

// consentTmpl is parsed once at package initialization
var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

// templateRenderer renders the built-in consent page
type templateRenderer struct{}

func (templateRenderer) RenderConsent(w http.ResponseWriter, _ *http.Request, page *ConsentPage) error {
	var buf bytes.Buffer
	if err := consentTmpl.Execute(&buf, page); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := buf.WriteTo(w)
	return err
}
