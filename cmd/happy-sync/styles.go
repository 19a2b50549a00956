package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"happy-sync/internal/client/api"
	"happy-sync/internal/client/conn"
	"happy-sync/internal/client/dispatch"
	"happy-sync/internal/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

func stateStyle(s conn.State) lipgloss.Style {
	switch s {
	case conn.Live:
		return successStyle
	case conn.Degraded, conn.Reconnecting, conn.Connecting, conn.Authenticating:
		return warningStyle
	case conn.Unauthenticated:
		return errorStyle
	}
	return infoStyle
}

func formatTime(millis int64) string {
	if millis == 0 {
		return "-"
	}
	return time.UnixMilli(millis).Format("2006-01-02 15:04:05")
}

func renderState(ev conn.Event) string {
	line := fmt.Sprintf("%s %s -> %s",
		dateStyle.Render(ev.At.Format("15:04:05")),
		ev.From,
		stateStyle(ev.To).Render(ev.To.String()))
	if ev.Err != nil {
		line += " " + idStyle.Render(ev.Err.Error())
	}
	return line
}

// opener turns a sealed message body into text; nil leaves it sealed.
type opener func(protocol.Message) (string, bool)

func renderChange(c dispatch.Change, open opener) string {
	key := idStyle.Render(c.Key.String())
	switch {
	case c.Update != nil:
		u := c.Update
		line := fmt.Sprintf("%s %s seq=%d %s", headerStyle.Render(u.Body.UpdateType()), key, u.Seq, dateStyle.Render(formatTime(u.CreatedAt)))
		if m, ok := u.Body.(protocol.NewMessage); ok {
			text := "<sealed>"
			if open != nil {
				if plain, ok := open(m.Message); ok {
					text = plain
				}
			}
			line += fmt.Sprintf("\n    #%d %s", m.Message.Seq, text)
		}
		return line
	case c.Snapshot != nil:
		s := c.Snapshot
		if s.Deleted {
			return fmt.Sprintf("%s %s seq=%d %s", headerStyle.Render("resync"), key, s.Seq, warningStyle.Render("deleted"))
		}
		names := make([]string, 0, len(s.Fields))
		for name, f := range s.Fields {
			names = append(names, fmt.Sprintf("%s@v%d", name, f.Version))
		}
		sort.Strings(names)
		return fmt.Sprintf("%s %s seq=%d %s", headerStyle.Render("resync"), key, s.Seq, strings.Join(names, " "))
	case c.Ephemeral != nil:
		return renderEphemeral(c.Ephemeral)
	}
	return key
}

func renderEphemeral(b protocol.EphemeralBody) string {
	label := infoStyle.Render(b.EphemeralType())
	switch v := b.(type) {
	case protocol.Activity:
		return fmt.Sprintf("%s %s active=%t thinking=%t", label, idStyle.Render(v.ID), v.Active, v.Thinking)
	case protocol.MachineActivity:
		return fmt.Sprintf("%s %s active=%t", label, idStyle.Render(v.ID), v.Active)
	case protocol.MachineStatus:
		return fmt.Sprintf("%s %s online=%t", label, idStyle.Render(v.MachineID), v.Online)
	case protocol.Usage:
		return fmt.Sprintf("%s %s %s tokens=%d cost=%.4f", label, idStyle.Render(v.ID), v.Key, v.Tokens["total"], v.Cost["total"])
	}
	return label
}

func renderFeedItem(it api.FeedItem) string {
	subject := it.Body.SessionID
	if subject == "" {
		subject = it.Body.MachineID
	}
	return fmt.Sprintf("%s  %s %s  %s",
		dateStyle.Render(formatTime(it.CreatedAt)),
		headerStyle.Render(it.Body.Kind),
		idStyle.Render(subject),
		dateStyle.Render(it.Cursor))
}
