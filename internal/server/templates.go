package server

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
)

var funcMap = template.FuncMap{
	"upper":   strings.ToUpper,
	"outcome": outcome,
	"detail":  detail,
}

var pageTmpls = map[string]*template.Template{
	"overview": template.Must(template.New("overview").Funcs(funcMap).Parse(navHTML + overviewHTML)),
	"audit":    template.Must(template.New("audit").Funcs(funcMap).Parse(navHTML + auditHTML)),
	"approval": template.Must(template.New("approval").Funcs(funcMap).Parse(navHTML + approvalHTML)),
	"policy":   template.Must(template.New("policy").Funcs(funcMap).Parse(navHTML + policyHTML)),
}

func renderPage(w http.ResponseWriter, name string, data map[string]any) {
	tmpl, ok := pageTmpls[name]
	if !ok {
		http.Error(w, "unknown page: "+name, http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

const navHTML = `{{define "nav"}}
<nav class="bg-gray-900 border-b border-gray-700 px-6 py-4">
    <div class="flex items-center justify-between max-w-7xl mx-auto">
        <div class="flex items-center space-x-2">
            <span class="text-xl font-bold text-white">DeployGate</span>
            <span class="text-xs bg-gray-700 text-gray-300 px-2 py-1 rounded">Approvals</span>
        </div>
        <div class="flex space-x-4">
            <a href="/" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "overview"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Overview</a>
            <a href="/approval" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "approval"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Approvals</a>
            <a href="/audit" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "audit"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Audit Log</a>
            <a href="/policy" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "policy"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Policy</a>
        </div>
    </div>
</nav>
{{end}}`

const headHTML = `<!DOCTYPE html>
<html lang="en" class="dark">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>DeployGate</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <script src="https://unpkg.com/htmx.org@2.0.4"></script>
    <script src="https://unpkg.com/htmx-ext-sse@2.2.2/sse.js"></script>
    <style>body { background-color: #0f172a; color: #e2e8f0; }</style>
</head>
<body class="min-h-screen">
{{template "nav" .}}
<main class="max-w-7xl mx-auto px-6 py-8">`

const footHTML = `</main>
</body>
</html>`

const overviewHTML = headHTML + `
<h1 class="text-2xl font-bold mb-6">Overview</h1>
<div class="grid grid-cols-1 md:grid-cols-4 gap-6 mb-8">
    <div class="bg-gray-900 border border-yellow-900 rounded-lg p-6">
        <div class="text-yellow-400 text-sm mb-1">Pending</div>
        <div class="text-3xl font-bold text-yellow-300">{{.Queue.Pending}}</div>
    </div>
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <div class="text-gray-400 text-sm mb-1">Waiting Tasks</div>
        <div class="text-3xl font-bold text-white">{{.Waiting}}</div>
    </div>
    <div class="bg-gray-900 border border-green-900 rounded-lg p-6">
        <div class="text-green-400 text-sm mb-1">Approved</div>
        <div class="text-3xl font-bold text-green-300">{{.Stats.Approved}}</div>
    </div>
    <div class="bg-gray-900 border border-red-900 rounded-lg p-6">
        <div class="text-red-400 text-sm mb-1">Rejected</div>
        <div class="text-3xl font-bold text-red-300">{{.Stats.Rejected}}</div>
    </div>
</div>
<div class="grid grid-cols-1 md:grid-cols-2 gap-6">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">By Event</h2>
        {{range $event, $count := .Stats.ByEvent}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$event}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">Lifecycle</h2>
        <div class="flex justify-between py-1 border-b border-gray-800"><span class="text-gray-300">Requests created</span><span class="text-gray-400">{{.Queue.Total}}</span></div>
        <div class="flex justify-between py-1 border-b border-gray-800"><span class="text-gray-300">Expired</span><span class="text-gray-400">{{.Stats.Expired}}</span></div>
        <div class="flex justify-between py-1 border-b border-gray-800"><span class="text-gray-300">Abandoned</span><span class="text-gray-400">{{.Stats.Abandoned}}</span></div>
        <div class="flex justify-between py-1 border-b border-gray-800"><span class="text-gray-300">Late decisions</span><span class="text-gray-400">{{.Stats.LateDecisions}}</span></div>
    </div>
</div>
` + footHTML

const auditHTML = headHTML + `
<div class="flex justify-between items-center mb-6">
    <h1 class="text-2xl font-bold">Audit Log</h1>
    <span class="text-sm text-gray-400">Live updates via SSE</span>
</div>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
    <table class="w-full text-sm text-left">
        <thead class="bg-gray-800 text-gray-400 uppercase text-xs">
            <tr>
                <th class="px-4 py-3">Time</th>
                <th class="px-4 py-3">Event</th>
                <th class="px-4 py-3">Approval</th>
                <th class="px-4 py-3">Task</th>
                <th class="px-4 py-3">Outcome</th>
                <th class="px-4 py-3">Detail</th>
            </tr>
        </thead>
        <tbody id="audit-table"
               hx-ext="sse"
               sse-connect="/audit/stream"
               sse-swap="audit"
               hx-swap="afterbegin">
            {{range .Records}}
            <tr class="border-b border-gray-700 hover:bg-gray-800">
                <td class="px-4 py-2 text-gray-400 text-xs">{{.Timestamp.Format "15:04:05"}}</td>
                <td class="px-4 py-2"><span class="px-2 py-1 rounded text-xs font-bold bg-gray-700 text-gray-300">{{upper (printf "%s" .Event)}}</span></td>
                <td class="px-4 py-2 font-mono text-xs">{{.ApprovalID}}</td>
                <td class="px-4 py-2 text-xs">{{.TaskID}}</td>
                <td class="px-4 py-2">{{outcome .}}</td>
                <td class="px-4 py-2 text-gray-400 text-xs">{{detail .}}</td>
            </tr>
            {{end}}
        </tbody>
    </table>
</div>
` + footHTML

const approvalHTML = headHTML + `
<h1 class="text-2xl font-bold mb-6">Approval Queue</h1>
{{if .Pending}}
<div class="space-y-4 mb-8">
    {{range .Pending}}
    <div class="bg-gray-900 border border-yellow-700 rounded-lg p-6">
        <div class="flex justify-between items-start">
            <div>
                <div class="text-yellow-400 text-xs font-bold mb-2">PENDING APPROVAL</div>
                <div class="text-white font-bold font-mono">{{.ID}}</div>
                <div class="text-gray-400 text-sm mt-1">{{.Message}}</div>
                <div class="text-gray-500 text-xs mt-2">Task: {{.TaskID}} | Created: {{.CreatedAt.Format "15:04:05"}}{{if .ExpiresAt}} | Expires: {{.ExpiresAt.Format "15:04:05"}}{{end}}</div>
                <div class="mt-2 bg-gray-800 rounded p-2 font-mono text-xs text-gray-300">{{printf "%s" .Payload}}</div>
            </div>
            <div class="flex space-x-2">
                <button hx-post="/approval/{{.ID}}/reject" hx-target="body"
                        class="px-4 py-2 bg-red-700 hover:bg-red-600 text-white rounded text-sm font-bold">Reject</button>
            </div>
        </div>
        <div class="text-gray-500 text-xs mt-4">Approve with a wallet: <span class="font-mono">deploygate approve {{.ID}}</span></div>
    </div>
    {{end}}
</div>
{{else}}
<div class="bg-gray-900 border border-gray-700 rounded-lg p-8 text-center text-gray-400 mb-8">
    No pending approvals
</div>
{{end}}
{{if .History}}
<h2 class="text-lg font-bold mb-4">Recently Completed</h2>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
    <table class="w-full text-sm text-left">
        <tbody>
            {{range .History}}
            <tr class="border-b border-gray-700">
                <td class="px-4 py-2 font-mono text-xs">{{.ID}}</td>
                <td class="px-4 py-2 text-xs">{{.TaskID}}</td>
                <td class="px-4 py-2 text-xs">{{.Status}}</td>
                <td class="px-4 py-2 text-xs">{{if .Decision}}{{if .Decision.Approved}}approved{{else}}rejected: {{.Decision.RejectionReason}}{{end}}{{end}}</td>
            </tr>
            {{end}}
        </tbody>
    </table>
</div>
{{end}}
` + footHTML

const policyHTML = headHTML + `
<h1 class="text-2xl font-bold mb-6">Active Policy</h1>
<div class="text-gray-400 text-sm mb-4">Engine: {{.Engine}}</div>
<div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
    <pre class="font-mono text-sm text-gray-300 whitespace-pre-wrap">{{if .PolicyYAML}}{{.PolicyYAML}}{{else}}No YAML policy loaded{{end}}</pre>
</div>
` + footHTML
