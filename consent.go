package grantkit

import "html/template"

// ConsentPageData is the data the consent template is executed with.
// Custom templates set via Config.ConsentTemplate or
// Handler.SetConsentTemplate receive the same structure.
type ConsentPageData struct {
	// ClientName is the display name of the requesting client
	// (falls back to the client_id when the client has no name)
	ClientName string

	// Scopes are the scopes being granted, for display
	Scopes []string

	// AuthError is the generic message shown after failed credentials
	AuthError string

	// Username re-fills the login field after a failed attempt
	Username string

	// ApproveURL is the form action (the approve endpoint path)
	ApproveURL string

	// The remaining fields carry the authorization request through the
	// form as hidden inputs. They are re-validated on submission.
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

var defaultConsentTemplate = template.Must(template.New("consent").Parse(consentPageHTML))

// consentPageHTML is the built-in consent page. It is self-contained:
// inline styles only, no script, no external resources. The inline styles
// are why consent responses get the relaxed style-src CSP.
const consentPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize {{.ClientName}}</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f4f5f7;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #1c1e21;
        }
        .card {
            background: #fff;
            border: 1px solid #e1e4e8;
            border-radius: 8px;
            padding: 2rem;
            width: 100%;
            max-width: 400px;
        }
        h1 {
            font-size: 1.25rem;
            margin-bottom: 0.5rem;
        }
        .request {
            color: #57606a;
            font-size: 0.9rem;
            margin-bottom: 1.25rem;
        }
        .scopes {
            list-style: none;
            border: 1px solid #e1e4e8;
            border-radius: 6px;
            margin-bottom: 1.25rem;
        }
        .scopes li {
            padding: 0.5rem 0.75rem;
            font-size: 0.9rem;
        }
        .scopes li + li {
            border-top: 1px solid #e1e4e8;
        }
        .error {
            background: #ffebe9;
            border: 1px solid #ff818266;
            border-radius: 6px;
            color: #cf222e;
            font-size: 0.9rem;
            padding: 0.5rem 0.75rem;
            margin-bottom: 1.25rem;
        }
        label {
            display: block;
            font-size: 0.85rem;
            font-weight: 600;
            margin-bottom: 0.25rem;
        }
        input[type="text"], input[type="password"] {
            width: 100%;
            padding: 0.5rem 0.75rem;
            font-size: 0.95rem;
            border: 1px solid #d0d7de;
            border-radius: 6px;
            margin-bottom: 1rem;
        }
        .actions {
            display: flex;
            gap: 0.75rem;
        }
        button {
            flex: 1;
            padding: 0.6rem;
            font-size: 0.95rem;
            font-weight: 600;
            border-radius: 6px;
            border: 1px solid transparent;
            cursor: pointer;
        }
        .approve {
            background: #1f883d;
            color: #fff;
        }
        .deny {
            background: #fff;
            border-color: #d0d7de;
            color: #1c1e21;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>{{.ClientName}}</h1>
        <p class="request">wants to access your account{{if .Scopes}} with:{{end}}</p>
        {{if .Scopes}}
        <ul class="scopes">
            {{range .Scopes}}<li>{{.}}</li>{{end}}
        </ul>
        {{end}}
        {{if .AuthError}}
        <div class="error">{{.AuthError}}</div>
        {{end}}
        <form method="POST" action="{{.ApproveURL}}">
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="response_type" value="{{.ResponseType}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            <input type="hidden" name="state" value="{{.State}}">
            <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
            <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
            <label for="username">Username</label>
            <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required>
            <label for="password">Password</label>
            <input type="password" id="password" name="password" autocomplete="current-password" required>
            <div class="actions">
                <button class="deny" type="submit" name="approve" value="false" formnovalidate>Deny</button>
                <button class="approve" type="submit" name="approve" value="true">Authorize</button>
            </div>
        </form>
    </div>
</body>
</html>
`
