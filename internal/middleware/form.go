package middleware

import (
	"html/template"
	"net/http"
)

var passwordForm = template.Must(template.New("password").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>Password required</title>
<style>
body{font-family:system-ui,sans-serif;display:flex;min-height:100vh;align-items:center;justify-content:center;margin:0;background:#f5f5f5}
form{background:#fff;padding:2rem;border-radius:8px;box-shadow:0 1px 4px rgba(0,0,0,.1);min-width:280px}
input,button{width:100%;box-sizing:border-box;padding:.6rem;margin-top:.75rem;font-size:1rem}
.error{color:#b00020;margin:.5rem 0 0}
</style>
</head>
<body>
<form method="POST" action="{{.Action}}">
<h1>Protected link</h1>
<p>Enter the password to continue.</p>
{{if .Invalid}}<p class="error">Incorrect password.</p>{{end}}
<input type="password" name="password" autocomplete="current-password" autofocus required>
<button type="submit">Continue</button>
</form>
</body>
</html>
`))

type formData struct {
	Action  string
	Invalid bool
}

// renderPasswordForm writes the password prompt. The response is never
// cached so a later correct submission is not shadowed.
func renderPasswordForm(w http.ResponseWriter, r *http.Request, invalid bool) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = passwordForm.Execute(w, formData{Action: formAction(r.URL), Invalid: invalid})
}
