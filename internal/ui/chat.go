// Package ui is a minimal terminal front end for the training loop. It is a
// reference consumer of the trainer package, not the product UI: one
// viewport of dialogue, supervisor feedback inline after each turn.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"counselsim/internal/normalize"
	"counselsim/internal/trainer"
)

const (
	senderCounselor = "咨询师"
	senderVisitor   = "来访者"
)

type chatMessage struct {
	sender  string
	content string
	eval    *normalize.Evaluation
}

type (
	turnMsg    trainer.TurnResult
	overallMsg *normalize.OverallEvaluation
)

var (
	counselorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	visitorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	feedbackStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
)

// Model is the bubbletea model for the training chat.
type Model struct {
	trainer *trainer.Trainer

	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *glamour.TermRenderer

	history   []chatMessage
	lastChart *normalize.ChartData
	turn      int

	isLoading bool
	err       error
	width     int
	height    int
	ready     bool
}

// New builds the chat model around a trainer.
func New(tr *trainer.Trainer) Model {
	ti := textinput.New()
	ti.Placeholder = "输入咨询师回应… (/reset 重开, /report 综合评价, Ctrl+C 退出)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	vp := viewport.New(80, 20)

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return Model{
		trainer:   tr,
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		renderer:  renderer,
	}
}

// Run starts the interactive chat and blocks until it exits.
func Run(tr *trainer.Trainer) error {
	_, err := tea.NewProgram(New(tr), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport = viewport.New(msg.Width-2, msg.Height-6)
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-6),
		)
		m.textinput.Width = msg.Width - 4
		m.ready = true
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
			return m, nil
		}

	case spinner.TickMsg:
		if m.isLoading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case turnMsg:
		m.isLoading = false
		m.err = nil
		m.applyTurn(trainer.TurnResult(msg))
		m.refreshViewport()
		return m, nil

	case overallMsg:
		m.isLoading = false
		m.appendOverall((*normalize.OverallEvaluation)(msg))
		m.refreshViewport()
		return m, nil
	}

	var tiCmd, vpCmd tea.Cmd
	m.textinput, tiCmd = m.textinput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}
	m.textinput.Reset()

	switch input {
	case "/reset":
		m.trainer.ResetConversations()
		m.history = nil
		m.lastChart = nil
		m.turn = 0
		m.err = nil
		m.refreshViewport()
		return m, nil

	case "/report":
		m.isLoading = true
		tr := m.trainer
		return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
			ev, _ := tr.CallOverallEvaluation(context.Background())
			return overallMsg(ev)
		})
	}

	m.turn++
	m.trainer.SetCurrentTurn(m.turn)
	history := m.dialogueHistory()
	m.history = append(m.history, chatMessage{sender: senderCounselor, content: input})
	m.isLoading = true
	m.refreshViewport()

	tr := m.trainer
	chart := m.lastChart
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		return turnMsg(tr.PlayTurn(context.Background(), input, history, chart))
	})
}

// dialogueHistory converts the rendered history into the supervisor's
// prompt form, excluding the message being submitted.
func (m Model) dialogueHistory() []trainer.Message {
	out := make([]trainer.Message, 0, len(m.history))
	for _, msg := range m.history {
		out = append(out, trainer.Message{Sender: msg.sender, Content: msg.content})
	}
	return out
}

func (m *Model) applyTurn(res trainer.TurnResult) {
	if res.VisitorErr != nil {
		m.err = res.VisitorErr
	} else if res.Visitor != nil {
		m.history = append(m.history, chatMessage{sender: senderVisitor, content: res.Visitor.Text})
		if res.Visitor.Chart != nil {
			m.lastChart = res.Visitor.Chart
		}
	}

	if res.SupervisorErr != nil {
		m.err = res.SupervisorErr
	} else if res.Supervisor != nil && len(m.history) > 0 {
		ev := res.Supervisor.Evaluation
		// Attach feedback to the counselor message it judges.
		for i := len(m.history) - 1; i >= 0; i-- {
			if m.history[i].sender == senderCounselor {
				m.history[i].eval = &ev
				break
			}
		}
	}
}

func (m *Model) appendOverall(ev *normalize.OverallEvaluation) {
	if ev == nil {
		m.history = append(m.history, chatMessage{
			sender:  senderVisitor,
			content: "（暂无综合评价）",
		})
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## 综合评价（%.1f 分）\n\n%s\n", ev.OverallScore, ev.NaturalLanguageFeedback)
	if len(ev.StableStrengths) > 0 {
		sb.WriteString("\n**稳定优势**\n")
		for _, s := range ev.StableStrengths {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	if len(ev.StructuralWeaknesses) > 0 {
		sb.WriteString("\n**结构性短板**\n")
		for _, s := range ev.StructuralWeaknesses {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	m.history = append(m.history, chatMessage{sender: senderVisitor, content: sb.String()})
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
}

func (m Model) renderHistory() string {
	var sb strings.Builder
	for _, msg := range m.history {
		if msg.sender == senderCounselor {
			sb.WriteString(counselorStyle.Render(senderCounselor) + "\n")
			sb.WriteString(msg.content + "\n")
			if msg.eval != nil {
				sb.WriteString(feedbackStyle.Render(
					fmt.Sprintf("督导（%.1f 分）：%s 建议：%s",
						msg.eval.OverallScore, msg.eval.Summary, msg.eval.Suggestion)) + "\n")
			}
		} else {
			sb.WriteString(visitorStyle.Render(senderVisitor) + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.content))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery; glamour can
// panic on pathological input.
func (m Model) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		if rendered, err := m.renderer.Render(content); err == nil {
			return rendered
		}
	}
	return content
}

func (m Model) View() string {
	if !m.ready {
		return "加载中…"
	}

	header := headerStyle.Render(fmt.Sprintf(" 心理咨询训练 · 第 %d 轮 ", m.turn))

	chatView := m.viewport.View()
	if m.isLoading {
		chatView += "\n" + m.spinner.View() + " 等待回应…"
	}
	if m.err != nil {
		chatView += "\n" + errorStyle.Render("错误: "+m.err.Error())
	}

	inputArea := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Render(m.textinput.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, chatView, inputArea)
}
