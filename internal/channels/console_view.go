package channels

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/parlo/internal/types"
)

type replyMsg struct{ reply types.Reply }

type statusTick struct{}

type speaker int

const (
	fromUser speaker = iota
	fromParlo
	fromSystem
)

type line struct {
	who  speaker
	text string
	at   time.Time
}

// Colours of the Italian flag, plus greys.
var (
	verde  = lipgloss.Color("#009246")
	rosso  = lipgloss.Color("#CE2B37")
	grigio = lipgloss.Color("#6B7280")
	bianco = lipgloss.Color("#F4F5F0")

	barStyle    = lipgloss.NewStyle().Foreground(bianco).Background(verde).Padding(0, 1)
	frameStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(verde)
	youStyle    = lipgloss.NewStyle().Foreground(rosso).Bold(true)
	parloStyle  = lipgloss.NewStyle().Foreground(verde).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(grigio).Italic(true)
	dimStyle    = lipgloss.NewStyle().Foreground(grigio)
)

// consoleView is the Bubble Tea model: a status bar, the transcript, a
// spinner while Parlo is thinking and the input box.
type consoleView struct {
	ch       *ConsoleChannel
	status   ConsoleStatus
	lines    []line
	audio    int
	thinking bool

	input  textarea.Model
	log    viewport.Model
	spin   spinner.Model
	width  int
	height int
	sized  bool
}

func newConsoleView(ch *ConsoleChannel) consoleView {
	in := textarea.New()
	in.Placeholder = "Scrivi cosa diresti a Parlo..."
	in.CharLimit = 1024
	in.ShowLineNumbers = false
	in.SetHeight(1)
	in.KeyMap.InsertNewline.SetEnabled(false)
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = parloStyle

	return consoleView{ch: ch, input: in, spin: sp}
}

func (v consoleView) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, v.spin.Tick, pollStatus())
}

func pollStatus() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return statusTick{} })
}

func (v *consoleView) say(who speaker, text string) {
	v.lines = append(v.lines, line{who: who, text: text, at: time.Now()})
	if v.sized {
		v.log.SetContent(v.transcript())
		v.log.GotoBottom()
	}
}

// receive applies one reply. Audio is counted, not played; states other
// than the connection handshake become system notes.
func (v *consoleView) receive(r types.Reply) {
	switch r.Kind {
	case types.ReplySpeak:
		v.thinking = false
		text := r.Display
		if text == "" {
			text = r.Spoken
		}
		v.say(fromParlo, text)
	case types.ReplyAudio:
		v.audio++
	case types.ReplyState:
		if r.State == "" || r.State == "connected" {
			return
		}
		note := r.State
		if r.Function != "" {
			note += " (" + r.Function + ")"
		}
		v.say(fromSystem, note)
	}
}

// submit handles Enter. Lines starting with "/" are console commands.
func (v *consoleView) submit() tea.Cmd {
	text := strings.TrimSpace(v.input.Value())
	v.input.Reset()
	switch text {
	case "":
		return nil
	case "/esci":
		return tea.Quit
	case "/pulisci":
		v.lines = nil
		v.audio = 0
		if v.sized {
			v.log.SetContent(v.transcript())
		}
		return nil
	}
	v.say(fromUser, text)
	v.thinking = true
	v.ch.sendUtterance(text)
	return nil
}

func (v *consoleView) resize(w, h int) {
	v.width, v.height = w, h
	logW, logH := w-2, h-6 // bar, frame, input, help
	if !v.sized {
		v.log = viewport.New(logW, logH)
		v.sized = true
	} else {
		v.log.Width, v.log.Height = logW, logH
	}
	v.input.SetWidth(w)
	v.log.SetContent(v.transcript())
	v.log.GotoBottom()
}

func (v consoleView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return v, tea.Quit
		case tea.KeyEsc:
			v.input.Reset()
			return v, nil
		case tea.KeyEnter:
			cmd := v.submit()
			return v, cmd
		}
	case replyMsg:
		v.receive(msg.reply)
		return v, nil
	case statusTick:
		if v.ch.status != nil {
			v.status = v.ch.status()
		}
		return v, pollStatus()
	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spin, cmd = v.spin.Update(msg)
		return v, cmd
	case tea.WindowSizeMsg:
		v.resize(msg.Width, msg.Height)
	}

	var cmd tea.Cmd
	v.input, cmd = v.input.Update(msg)
	cmds = append(cmds, cmd)
	if v.sized {
		v.log, cmd = v.log.Update(msg)
		cmds = append(cmds, cmd)
	}
	return v, tea.Batch(cmds...)
}

func (v consoleView) View() string {
	if !v.sized {
		return "Avvio della console di Parlo..."
	}
	prompt := dimStyle.Render("Invio: parla · Esc: cancella · /pulisci · /esci · Ctrl+C")
	if v.thinking {
		prompt = v.spin.View() + " " + dimStyle.Render("Parlo sta pensando...")
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		barStyle.Width(v.width).Render(v.statusLine()),
		frameStyle.Width(v.width-2).Render(v.log.View()),
		v.input.View(),
		prompt,
	)
}

// statusLine summarises the device: profile, running session, background
// tasks and history depth.
func (v consoleView) statusLine() string {
	parts := []string{"Parlo · " + v.ch.deviceID}
	if v.status.Profile != "" {
		parts = append(parts, "profilo: "+v.status.Profile)
	}
	if v.status.Session != "" {
		parts = append(parts, "in corso: "+v.status.Session)
	}
	if len(v.status.Tasks) > 0 {
		parts = append(parts, "sottofondo: "+strings.Join(v.status.Tasks, ", "))
	}
	parts = append(parts, fmt.Sprintf("turni: %d", v.status.Turns))
	if v.audio > 0 {
		parts = append(parts, fmt.Sprintf("audio: %d", v.audio))
	}
	return strings.Join(parts, "  │  ")
}

func (v consoleView) transcript() string {
	if len(v.lines) == 0 {
		return dimStyle.Padding(1).Render(`Nessun messaggio. Prova con "che tempo fa a Roma".`)
	}
	wrap := lipgloss.NewStyle().Width(max(v.log.Width-8, 20))
	var b strings.Builder
	for _, l := range v.lines {
		ts := dimStyle.Render(l.at.Format("15:04"))
		switch l.who {
		case fromUser:
			fmt.Fprintf(&b, "%s %s %s\n", ts, youStyle.Render("tu"), wrap.Render(l.text))
		case fromParlo:
			fmt.Fprintf(&b, "%s %s %s\n", ts, parloStyle.Render("parlo"), wrap.Render(l.text))
		default:
			fmt.Fprintf(&b, "%s %s\n", ts, systemStyle.Render("· "+l.text))
		}
	}
	return b.String()
}
