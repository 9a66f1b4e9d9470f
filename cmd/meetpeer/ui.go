package main

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/mossy-p/meet-signaling/internal/peer"
)

// Color palette
var (
	Primary   = lipgloss.Color("#22d3ee")
	Secondary = lipgloss.Color("#7C3AED")
	Success   = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Muted     = lipgloss.Color("#6B7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Primary)
	chatName     = lipgloss.NewStyle().Bold(true).Foreground(Secondary)
	successStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(Warning)
	errorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(Muted)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(0, 2)
)

func printBanner(room, userID, server string) {
	body := fmt.Sprintf("%s\n%s %s\n%s %s\n%s %s",
		titleStyle.Render("meetpeer"),
		mutedStyle.Render("room:  "), room,
		mutedStyle.Render("user:  "), userID,
		mutedStyle.Render("server:"), server,
	)
	fmt.Println(boxStyle.Render(body))
}

func printInfo(msg string) {
	fmt.Println(mutedStyle.Render("• " + msg))
}

func printError(msg string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+msg))
}

type remoteView struct {
	conn        string
	name        string
	media       models.MediaState
	link        peer.State
	unreachable bool
}

// roomView keeps what the terminal shows about the room
type roomView struct {
	self string

	mu     sync.Mutex
	people map[string]*remoteView
}

func newRoomView(self string) *roomView {
	return &roomView{self: self, people: make(map[string]*remoteView)}
}

func (v *roomView) get(userID string) *remoteView {
	p, ok := v.people[userID]
	if !ok {
		p = &remoteView{name: userID}
		v.people[userID] = p
	}
	return p
}

func (v *roomView) apply(ev peer.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case peer.EventRoster:
		v.people = make(map[string]*remoteView)
		for _, p := range ev.Participants {
			rv := v.get(p.UserID)
			rv.conn = p.ConnectionID
			rv.name = p.DisplayName
			rv.media = p.Media
		}
		printInfo(fmt.Sprintf("Joined, %d already here", len(ev.Participants)))

	case peer.EventParticipantJoined:
		rv := v.get(ev.UserID)
		rv.conn = ev.ConnectionID
		rv.name = ev.DisplayName
		rv.media = ev.Media
		rv.link = peer.StateNew
		rv.unreachable = false
		printInfo(fmt.Sprintf("%s joined", ev.DisplayName))

	case peer.EventParticipantLeft:
		name := ev.UserID
		if rv, ok := v.people[ev.UserID]; ok {
			name = rv.name
		}
		delete(v.people, ev.UserID)
		printInfo(fmt.Sprintf("%s left", name))

	case peer.EventLinkState:
		rv, ok := v.people[ev.UserID]
		if !ok || rv.conn != ev.ConnectionID {
			return
		}
		rv.link = ev.State
		if ev.State == peer.StateConnected {
			rv.unreachable = false
			fmt.Println(successStyle.Render("✓ connected to " + rv.name))
		}

	case peer.EventUnreachable:
		if rv, ok := v.people[ev.UserID]; ok {
			rv.unreachable = true
			fmt.Println(warningStyle.Render("! " + rv.name + " is unreachable"))
		}

	case peer.EventMedia:
		if ev.UserID == v.self {
			return
		}
		if rv, ok := v.people[ev.UserID]; ok {
			rv.media = ev.Media
			printInfo(fmt.Sprintf("%s: %s", rv.name, mediaSummary(ev.Media)))
		}

	case peer.EventChat:
		fmt.Printf("%s %s\n", chatName.Render(ev.Chat.SenderName+":"), ev.Chat.Text)

	case peer.EventError:
		printError(ev.Err.Error())
	}
}

func (v *roomView) printRoster() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.people) == 0 {
		printInfo("Nobody else is here")
		return
	}

	ids := make([]string, 0, len(v.people))
	for id := range v.people {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"User", "Name", "Link", "Video", "Audio", "Screen"})
	for _, id := range ids {
		p := v.people[id]
		link := p.link.String()
		if p.unreachable {
			link = "unreachable"
		}
		t.AppendRow(table.Row{id, p.name, link, onOff(p.media.Video), onOff(p.media.Audio), onOff(p.media.ScreenShare)})
	}
	t.Render()
}

func mediaSummary(m models.MediaState) string {
	return fmt.Sprintf("video %s, audio %s, screen %s", onOff(m.Video), onOff(m.Audio), onOff(m.ScreenShare))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
