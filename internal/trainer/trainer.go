// Package trainer orchestrates a practice turn: it builds the agent
// prompts, issues the calls through the transport adapter, normalizes the
// answers and folds the outcome into the session state.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"counselsim/internal/agentapi"
	"counselsim/internal/config"
	"counselsim/internal/normalize"
	"counselsim/internal/session"
)

// Message is one line of the visible dialogue history.
type Message struct {
	Sender  string
	Content string
}

// Trainer drives the visitor and supervisor agents for one session.
type Trainer struct {
	store   *config.Store
	client  agentapi.Sender
	session *session.Manager
	log     *zap.Logger
}

// New creates a trainer. The config store is read per call so a config
// reload takes effect on the next turn.
func New(store *config.Store, client agentapi.Sender, sess *session.Manager, log *zap.Logger) *Trainer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{
		store:   store,
		client:  client,
		session: sess,
		log:     log,
	}
}

// Session exposes the session manager for consumers that render state.
func (t *Trainer) Session() *session.Manager {
	return t.session
}

// SetCurrentTurn records the turn number the next supervisor answer
// belongs to.
func (t *Trainer) SetCurrentTurn(n int) {
	t.session.SetCurrentTurn(n)
}

// ResetConversations drops both dialogue threads and all accumulated
// session state.
func (t *Trainer) ResetConversations() {
	t.session.Reset()
}

// call sends one query on the role's dialogue thread and returns the raw
// answer and the conversation id the gateway assigned.
func (t *Trainer) call(ctx context.Context, role session.Role, query string) (string, string, error) {
	cfg := t.store.Current()
	agent, ok := cfg.Agent(string(role))
	if !ok {
		return "", "", fmt.Errorf("unknown agent role %q", role)
	}

	opts := agentapi.Options{
		Timeout:    agent.TimeoutOrDefault(0),
		MaxRetries: cfg.MaxRetries,
	}
	reply, err := t.client.Send(ctx, agentapi.Endpoint{URL: agent.URL, Key: agent.Key},
		query, t.session.ConversationID(role), t.session.UserID(), opts)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(reply.Answer), reply.ConversationID, nil
}

// CallVisitorAgent sends the counselor's message to the visitor agent and
// returns the normalized reply.
func (t *Trainer) CallVisitorAgent(ctx context.Context, text string) (normalize.VisitorResult, error) {
	res, convID, err := t.visitorExchange(ctx, text)
	if err != nil {
		return normalize.VisitorResult{}, err
	}
	t.session.SetConversationID(session.RoleVisitor, convID)
	return res, nil
}

func (t *Trainer) visitorExchange(ctx context.Context, text string) (normalize.VisitorResult, string, error) {
	answer, convID, err := t.call(ctx, session.RoleVisitor, text)
	if err != nil {
		return normalize.VisitorResult{}, "", fmt.Errorf("visitor call failed: %w", err)
	}
	return normalize.ParseVisitor(answer, t.log), convID, nil
}

// CallSupervisorAgent sends the counselor's message with the dialogue
// history and chart context to the supervisor agent, then folds the
// evaluation, competency scores and turn record into the session.
func (t *Trainer) CallSupervisorAgent(ctx context.Context, text string, history []Message, chart *normalize.ChartData) (normalize.SupervisorResult, error) {
	res, convID, err := t.supervisorExchange(ctx, text, history, chart)
	if err != nil {
		return normalize.SupervisorResult{}, err
	}
	t.foldSupervisor(res, convID)
	return res, nil
}

func (t *Trainer) supervisorExchange(ctx context.Context, text string, history []Message, chart *normalize.ChartData) (normalize.SupervisorResult, string, error) {
	query := buildSupervisorQuery(text, history, chart)
	answer, convID, err := t.call(ctx, session.RoleSupervisor, query)
	if err != nil {
		return normalize.SupervisorResult{}, "", fmt.Errorf("supervisor call failed: %w", err)
	}
	return normalize.ParseSupervisor(answer, t.log), convID, nil
}

// foldSupervisor applies one supervisor outcome to the session. When the
// answer carried no turn record and the current turn is known, a record is
// synthesized from the evaluation so the session history has no holes.
func (t *Trainer) foldSupervisor(res normalize.SupervisorResult, convID string) {
	t.session.SetConversationID(session.RoleSupervisor, convID)

	if res.MemoryUpdate != "" {
		t.session.SetMemory(res.MemoryUpdate)
	}
	if res.FullRecord != nil {
		t.session.RecordTurn(*res.FullRecord)
	} else if turn := t.session.CurrentTurn(); turn > 0 && !t.session.HasRecord(turn) {
		rec := normalize.SynthesizeRecord(turn, res.Evaluation)
		t.session.RecordTurn(*rec)
		t.log.Debug("synthesized turn record", zap.Int("turn", turn))
	}
	t.session.MergeCompetencies(res.Competencies)
}

// buildSupervisorQuery assembles the supervisor prompt: dialogue history,
// the counselor's current message, then the structured chart state.
func buildSupervisorQuery(message string, history []Message, chart *normalize.ChartData) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("【对话历史】\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Sender, msg.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "【咨询师本轮回复】\n%s\n", message)

	if chart != nil {
		b.WriteString("\n【结构化数据】\n")
		data, err := json.MarshalIndent(chart, "", "  ")
		if err == nil {
			b.Write(data)
		}
	}

	return b.String()
}

// CallOverallEvaluation asks the overall agent for the end-of-session
// judgement. The feature is optional end to end: a missing key, an empty
// session, a failed call or an unparseable answer all yield nil without
// an error.
func (t *Trainer) CallOverallEvaluation(ctx context.Context) (*normalize.OverallEvaluation, error) {
	cfg := t.store.Current()
	if !cfg.OverallEnabled() {
		t.log.Warn("overall evaluation key not configured, skipping")
		return nil, nil
	}

	summary := t.session.MemorySummary()
	if summary == "" {
		t.log.Warn("no supervision history, skipping overall evaluation")
		return nil, nil
	}

	scores, err := json.MarshalIndent(t.session.Competencies(), "", "  ")
	if err != nil {
		scores = []byte("{}")
	}

	prompt := fmt.Sprintf(`请基于以下督导记录和胜任力维度评分，给出本次咨询的综合评价：

【督导记录】
%s

【胜任力维度评分】
%s

请根据以上信息给出综合评价。`, summary, scores)

	answer, convID, err := t.call(ctx, session.RoleOverall, prompt)
	if err != nil {
		t.log.Error("overall evaluation call failed", zap.Error(err))
		return nil, nil
	}
	t.session.SetConversationID(session.RoleOverall, convID)

	return normalize.ParseOverall(answer, t.log), nil
}
