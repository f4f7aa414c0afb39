package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/input"
	"github.com/quadlink/go2teleop/pkg/transport"
)

const (
	// keyHoldWindow is how long a key press counts as held. Terminals
	// report presses, not releases, so each press (and each auto-repeat)
	// renews the window and expiry stands in for key-up.
	keyHoldWindow = 500 * time.Millisecond
	uiTick        = 50 * time.Millisecond
	maxLogs       = 6
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	liveStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	downStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	logStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

// Messages from the session.
type frameMsg go2.RobotState
type logLineMsg string
type tickMsg time.Time

func waitFrame(frames <-chan go2.RobotState) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-frames
		if !ok {
			return nil
		}
		return frameMsg(st)
	}
}

func waitLog(logCh <-chan string) tea.Cmd {
	return func() tea.Msg {
		return logLineMsg(<-logCh)
	}
}

func tick() tea.Cmd {
	return tea.Tick(uiTick, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type uiModel struct {
	app    *app
	frames <-chan go2.RobotState
	logCh  <-chan string

	// held maps each pressed key to its expiry deadline.
	held map[input.Key]time.Time

	st        go2.RobotState
	haveState bool
	logs      []string
	width     int
	quitting  bool
}

func newUI(a *app, frames <-chan go2.RobotState, logCh <-chan string) uiModel {
	return uiModel{
		app:    a,
		frames: frames,
		logCh:  logCh,
		held:   make(map[input.Key]time.Time),
	}
}

func (m *uiModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// pushKeys rebuilds the held-key set and hands it to the arbiter.
func (m uiModel) pushKeys() {
	var ks input.Keys
	for k := range m.held {
		ks |= input.Keys(k)
	}
	m.app.arb.UpdateKeyboard(input.KeyboardState{Held: ks})
}

func keyFor(s string) (input.Key, bool) {
	switch s {
	case "up":
		return input.KeyUp, true
	case "down":
		return input.KeyDown, true
	case "left":
		return input.KeyLeft, true
	case "right":
		return input.KeyRight, true
	case " ", "space":
		return input.KeySpace, true
	case "d":
		return input.KeyD, true
	case "esc":
		return input.KeyEscape, true
	}
	return 0, false
}

func (m uiModel) Init() tea.Cmd {
	return tea.Batch(
		waitFrame(m.frames),
		waitLog(m.logCh),
		tick(),
	)
}

func (m uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		if k, ok := keyFor(msg.String()); ok {
			m.held[k] = time.Now().Add(keyHoldWindow)
			m.pushKeys()
		}
		return m, nil

	case tickMsg:
		now := time.Time(msg)
		for k, deadline := range m.held {
			if now.After(deadline) {
				delete(m.held, k)
			}
		}
		m.pushKeys()
		return m, tick()

	case frameMsg:
		m.st = go2.RobotState(msg)
		m.haveState = true
		return m, waitFrame(m.frames)

	case logLineMsg:
		m.addLog(string(msg))
		return m, waitLog(m.logCh)
	}

	return m, nil
}

func (m uiModel) View() string {
	if m.quitting {
		return "Teleop stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Go2 Teleop"))
	sb.WriteString(statusStyle.Render("  " + m.app.cfg.Robot.IP))
	sb.WriteString("\n\n")

	sb.WriteString(m.renderLink())
	sb.WriteString("\n\n")

	if m.haveState {
		sb.WriteString(m.renderState())
	} else {
		sb.WriteString(statusStyle.Render("Waiting for telemetry..."))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	width := m.width - 4
	if width < 40 {
		width = 40
	}
	sb.WriteString(logStyle.Width(width).Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m uiModel) renderLink() string {
	state := m.app.sup.State()
	label := fmt.Sprintf("%s (%s)", state, m.app.sup.Kind())

	var line string
	switch state {
	case transport.StateLive:
		line = liveStyle.Render("● " + label)
	case transport.StateConnecting:
		line = warnStyle.Render("◌ " + label)
	case transport.StateFaulted, transport.StateDisconnected:
		line = downStyle.Render("○ " + label)
	default:
		line = statusStyle.Render("○ " + label)
	}

	if err := m.app.sup.LastError(); err != nil && state != transport.StateLive {
		line += downStyle.Render("  " + err.Error())
	}
	return line
}

func (m uiModel) renderState() string {
	st := m.st

	var feet strings.Builder
	for _, foot := range st.Feet {
		if foot.Contact {
			feet.WriteString("▣ ")
		} else {
			feet.WriteString("▢ ")
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Mode %-8s  Battery %3.0f%% (%.1fV)  Link %.0f%%\n",
		st.Mode, st.Battery.Percent, st.Battery.Voltage, st.LinkQuality*100)
	fmt.Fprintf(&sb, "Vel  vx %+5.2f  vy %+5.2f  vyaw %+5.2f\n",
		st.Velocity[0], st.Velocity[1], st.Velocity[2])
	fmt.Fprintf(&sb, "IMU  roll %+6.1f°  pitch %+6.1f°  yaw %+6.1f°\n",
		go2.RadToDeg(st.IMU.Roll), go2.RadToDeg(st.IMU.Pitch), go2.RadToDeg(st.IMU.Yaw))
	fmt.Fprintf(&sb, "Feet %s(FR FL RR RL)", feet.String())
	return sb.String()
}

func (m uiModel) renderLegend() string {
	keys := "[↑↓←→] drive  [space] stand  [d] sit  [esc] STOP  [q] quit"
	speed := fmt.Sprintf("  speed ×%.1f", m.app.arb.Multiplier())
	return statusStyle.Render(keys + speed)
}
