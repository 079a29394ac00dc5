package trace

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// RegisterHandler registers the trace handler in the given ServeMux, on
// `/debug/traces`.
func RegisterHandler(mux *http.ServeMux) {
	mux.HandleFunc("/debug/traces", RenderTraces)
}

// RenderTraces is an http.Handler showing the in-memory traces: an index
// of families (sessions, deliveries, notifier runs) with their latency
// breakdown, per-family lists of active/recent/failed operations, and
// individual traces event by event. The page is rendered by hand into a
// buffer, so no locks are held during the HTTP writes.
func RenderTraces(w http.ResponseWriter, req *http.Request) {
	b := &bytes.Buffer{}
	b.Grow(16 * 1024)

	status := http.StatusOK
	errMsg := ""

	fam := req.FormValue("fam")
	if fam != "" {
		if !hasFamily(fam) {
			errMsg = "Unknown family"
			status = http.StatusNotFound
		}
	}

	var tr *Trace
	if errMsg == "" {
		if idStr := req.FormValue("trace"); idStr != "" {
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				errMsg = "Invalid trace id"
				status = http.StatusBadRequest
			} else if tr = findTrace(id); tr == nil {
				errMsg = "Trace not found"
				status = http.StatusNotFound
			}
		}
	}

	fmt.Fprintf(b, `<!DOCTYPE html>
<html><head>
<title>traces</title>
<style>
  body { font-family: monospace; }
  table { border-spacing: 0.6em 0; }
  .err { color: #c00; }
  .msg { white-space: pre-wrap; }
</style>
</head><body>
<h1><a href="?">/debug/traces</a></h1>
`)

	switch {
	case errMsg != "":
		w.WriteHeader(status)
		fmt.Fprintf(b, `<p class="err">%s</p>`+"\n", esc(errMsg))
	case tr != nil:
		renderTrace(b, tr, 0)
	case fam != "":
		renderFamily(b, fam, familyFor(fam).snapshot())
	default:
		renderIndex(b)
	}

	fmt.Fprintf(b, "</body></html>\n")
	w.Write(b.Bytes())
}

func hasFamily(name string) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	_, ok := registry.fams[name]
	return ok
}

func esc(s string) string { return html.EscapeString(s) }

func famURL(name string) string {
	return "?fam=" + url.QueryEscape(name)
}

// renderIndex writes the family table: active and finished counts, error
// counts, average/max duration, and the per-bucket latency breakdown.
func renderIndex(b *bytes.Buffer) {
	names := familyNames()
	sort.Strings(names)

	fmt.Fprintf(b, "<table>\n<tr><th>family</th><th>active</th>"+
		"<th>finished</th><th>errors</th><th>avg</th><th>max</th>")
	for _, d := range latencyBuckets {
		fmt.Fprintf(b, "<th>&lt;%s</th>", esc(d.String()))
	}
	fmt.Fprintf(b, "<th>&ge;%s</th></tr>\n",
		esc(latencyBuckets[len(latencyBuckets)-1].String()))

	for _, name := range names {
		s := familyFor(name).snapshot()
		fmt.Fprintf(b, `<tr><td><a href="%s">%s</a></td>`,
			famURL(name), esc(name))
		fmt.Fprintf(b, "<td>%d</td><td>%d</td><td>%d</td><td>%s</td><td>%s</td>",
			len(s.active), s.count, s.errCount,
			s.avg.Round(time.Microsecond), s.max.Round(time.Microsecond))
		for _, n := range s.latency {
			fmt.Fprintf(b, "<td>%d</td>", n)
		}
		fmt.Fprintf(b, "</tr>\n")
	}
	fmt.Fprintf(b, "</table>\n")
}

func renderFamily(b *bytes.Buffer, name string, s *stats) {
	fmt.Fprintf(b, "<h2>%s</h2>\n", esc(name))
	fmt.Fprintf(b, "<p>finished %d (%d failed), avg %s, max %s</p>\n",
		s.count, s.errCount,
		s.avg.Round(time.Microsecond), s.max.Round(time.Microsecond))

	sections := []struct {
		title  string
		traces []*Trace
	}{
		{"active", s.active},
		{"failed (most recent first)", s.errs},
		{"finished (most recent first)", s.done},
	}
	for _, sec := range sections {
		if len(sec.traces) == 0 {
			continue
		}
		fmt.Fprintf(b, "<h3>%s</h3>\n<table>\n", esc(sec.title))
		for _, tr := range sec.traces {
			mark := ""
			if tr.failed() {
				mark = ` <span class="err">[error]</span>`
			}
			fmt.Fprintf(b, `<tr><td><a href="?trace=%d">%s</a>%s</td>`+
				"<td>%s</td><td>%s</td></tr>\n",
				tr.ID, esc(tr.Title), mark,
				tr.Start.Format("15:04:05.000000"),
				tr.duration().Round(time.Microsecond))
		}
		fmt.Fprintf(b, "</table>\n")
	}
}

// renderTrace writes one trace's events, recursing into children (one
// session's delivery attempts, a delivery's sub-operations) with
// indentation.
func renderTrace(b *bytes.Buffer, tr *Trace, depth uint) {
	if depth == 0 {
		mark := ""
		if tr.failed() {
			mark = ` <span class="err">[error]</span>`
		}
		fmt.Fprintf(b, "<h2>%s - %s%s</h2>\n",
			esc(tr.Family), esc(tr.Title), mark)
		fmt.Fprintf(b, "<p>started %s, duration %s</p>\n<table>\n",
			tr.Start.Format("2006-01-02 15:04:05.000000"),
			tr.duration().Round(time.Microsecond))
	}

	indent := ""
	for i := uint(0); i < depth; i++ {
		indent += "&middot; "
	}

	events, dropped, children := tr.snapshot()
	for _, e := range events {
		fmt.Fprintf(b, `<tr><td>%s</td><td class="msg">%s%s</td></tr>`+"\n",
			e.when.Format("15:04:05.000000"), indent, esc(e.what))
	}
	if dropped > 0 {
		fmt.Fprintf(b, `<tr><td></td><td class="msg">%s... %d more events dropped</td></tr>`+"\n",
			indent, dropped)
	}
	// Children render inline, so a session's page shows its delivery
	// attempts in place.
	if depth < 5 {
		for _, child := range children {
			renderTrace(b, child, depth+1)
		}
	}

	if depth == 0 {
		fmt.Fprintf(b, "</table>\n")
	}
}
