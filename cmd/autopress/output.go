package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"autopress/internal/model"
	"autopress/internal/queue"
)

const timeLayout = "2006-01-02 15:04 MST"

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func renderProjects(w io.Writer, ps []model.Project) {
	if len(ps) == 0 {
		fmt.Fprintln(w, "no projects")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Interval", "Site", "Created"})
	for _, p := range ps {
		site := p.Site
		if site == "" {
			site = "(default)"
		}
		t.AppendRow(table.Row{
			p.ID, p.Name, p.Status,
			fmt.Sprintf("%d/%d", p.CompletedCount, p.TargetCount),
			p.Interval().String(), site, fmtTime(p.CreatedAt),
		})
	}
	t.Render()
}

func renderProject(w io.Writer, p model.Project, items []model.QueueItem) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"ID", p.ID},
		{"Name", p.Name},
		{"Description", p.Description},
		{"Keywords", fmt.Sprint(p.Keywords)},
		{"Status", p.Status},
		{"Progress", fmt.Sprintf("%d/%d", p.CompletedCount, p.TargetCount)},
		{"Interval", p.Interval().String()},
		{"Output", p.OutputDirectory},
		{"Site", p.Site},
		{"Created", fmtTime(p.CreatedAt)},
		{"Updated", fmtTime(p.UpdatedAt)},
	})
	t.Render()
	if len(items) > 0 {
		renderItems(w, items)
	}
}

func renderItems(w io.Writer, items []model.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no queue items")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Project", "#", "Scheduled", "Status", "Attempts", "Title", "Last error"})
	for _, it := range items {
		t.AppendRow(table.Row{
			it.ProjectID, it.ContentIndex, fmtTime(it.ScheduledTime), it.Status,
			it.Attempts, it.Title, it.LastError,
		})
	}
	t.Render()
}

// renderSchedule prints the preview returned by a run.
func renderSchedule(w io.Writer, items []model.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "nothing to schedule (project already complete)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Publish at", "Title"})
	for _, it := range items {
		t.AppendRow(table.Row{it.ContentIndex, fmtTime(it.ScheduledTime), it.Title})
	}
	t.AppendFooter(table.Row{"", "items", len(items)})
	t.Render()
}

func renderSummary(w io.Writer, s queue.Summary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Status", "Items"})
	for _, st := range []model.ItemStatus{model.ItemQueued, model.ItemPublished, model.ItemFailed, model.ItemError} {
		t.AppendRow(table.Row{st, s.Counts[st]})
	}
	next := "-"
	if s.NextPublish != nil {
		next = fmtTime(*s.NextPublish)
	}
	t.AppendFooter(table.Row{"total", s.Total})
	t.Render()
	fmt.Fprintf(w, "next publish: %s\n", next)
}
