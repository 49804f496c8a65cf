package mailer

import "html/template"

var requestedTmpl = template.Must(template.New("chat_requested").Parse(`<p>You received a new chat request.</p>
<p>Open your inbox to accept or decline it.</p>`))

var acceptedTmpl = template.Must(template.New("chat_accepted").Parse(`<p>Your chat request was accepted.</p>
<p>The conversation stays open for 21 days.</p>`))

var closedTmpl = template.Must(template.New("chat_closed").Parse(`<p>Your conversation is now closed.</p>
{{- if .HiredURL}}
<p>Did this conversation lead to a hire?</p>
<p><a href="{{.HiredURL}}">Yes, hired</a> | <a href="{{.NotHiredURL}}">No, not hired</a></p>
{{- end}}`))
