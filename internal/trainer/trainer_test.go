package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"counselsim/internal/agentapi"
	"counselsim/internal/config"
	"counselsim/internal/normalize"
	"counselsim/internal/session"
)

// fakeSender routes on the endpoint key so each role can be scripted
// independently.
type fakeSender struct {
	mu      sync.Mutex
	replies map[string]*agentapi.Reply
	errs    map[string]error
	queries map[string]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		replies: map[string]*agentapi.Reply{},
		errs:    map[string]error{},
		queries: map[string]string{},
	}
}

func (f *fakeSender) Send(_ context.Context, ep agentapi.Endpoint, query, _, _ string, _ agentapi.Options) (*agentapi.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[ep.Key] = query
	if err := f.errs[ep.Key]; err != nil {
		return nil, err
	}
	reply, ok := f.replies[ep.Key]
	if !ok {
		return nil, errors.New("no scripted reply")
	}
	return reply, nil
}

func (f *fakeSender) query(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[key]
}

func newTestTrainer(sender agentapi.Sender, overallKey string) *Trainer {
	cfg := config.DefaultConfig()
	cfg.Agents.Visitor.Key = "vkey"
	cfg.Agents.Supervisor.Key = "skey"
	cfg.Agents.Overall.Key = overallKey
	store := config.NewStore(cfg, "", nil)
	return New(store, sender, session.New(), nil)
}

func visitorAnswer() string {
	chart := `{"conversation_stage_curve": [{"dialogue_count": 1, "stage": 2}], "stress_curve": [{"turn": 1, "value": 0.6}]}`
	return `{"reply": "我最近总是睡不好", "open_stage": "Level 2"}` + "\n" + chart
}

func supervisorAnswer(turn int) string {
	record := fmt.Sprintf("第%d轮督导记录\n```json\n"+
		`{"轮次": %d, "natural_language_feedback": "共情到位", "structured_output": {"综合得分": 4, "总体评价": "表现稳定", "建议": "继续倾听", "跳步判断": {"是否跳步": false, "跳步类型": "无", "督导建议": "无跳步问题"}}}`+
		"\n```", turn, turn)
	reply := `{"natural_language_feedback": "本轮回应稳健", "structured_output": {"综合得分": 4, "总体评价": "表现稳定", "建议": "继续倾听"}}`

	obj := map[string]any{
		"memory_update":   record,
		"reply":           reply,
		"Professionalism": 6.0,
	}
	b, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func TestCallVisitorAgent(t *testing.T) {
	sender := newFakeSender()
	sender.replies["vkey"] = &agentapi.Reply{Answer: visitorAnswer(), ConversationID: "vc-1"}
	tr := newTestTrainer(sender, "")

	res, err := tr.CallVisitorAgent(context.Background(), "你今天感觉怎么样？")
	require.NoError(t, err)

	assert.Equal(t, "我最近总是睡不好", res.Text)
	assert.Equal(t, 2, res.Openness)
	require.NotNil(t, res.Chart)
	assert.Len(t, res.Chart.StressCurve, 1)
	assert.Equal(t, "vc-1", tr.Session().ConversationID(session.RoleVisitor))
}

func TestCallVisitorAgent_TransportError(t *testing.T) {
	sender := newFakeSender()
	sender.errs["vkey"] = errors.New("gateway down")
	tr := newTestTrainer(sender, "")

	_, err := tr.CallVisitorAgent(context.Background(), "你好")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visitor call failed")
	assert.Empty(t, tr.Session().ConversationID(session.RoleVisitor))
}

func TestCallSupervisorAgent_FoldsState(t *testing.T) {
	sender := newFakeSender()
	sender.replies["skey"] = &agentapi.Reply{Answer: supervisorAnswer(1), ConversationID: "sc-1"}
	tr := newTestTrainer(sender, "")

	history := []Message{
		{Sender: "来访者", Content: "我最近很焦虑"},
		{Sender: "咨询师", Content: "能具体说说吗？"},
	}
	chart := &normalize.ChartData{StressCurve: []normalize.CurvePoint{{Turn: 1, Value: 0.6}}}

	res, err := tr.CallSupervisorAgent(context.Background(), "听起来确实不容易", history, chart)
	require.NoError(t, err)

	assert.Equal(t, 4.0, res.Evaluation.OverallScore)
	require.NotNil(t, res.FullRecord)
	assert.Equal(t, 1, res.FullRecord.Turn)

	sess := tr.Session()
	assert.Equal(t, "sc-1", sess.ConversationID(session.RoleSupervisor))
	assert.True(t, sess.HasRecord(1))
	assert.Equal(t, 6.0, sess.Competencies()["Professionalism"])
	assert.NotEmpty(t, sess.Memory())

	// Prompt carries all three sections in order.
	q := sender.query("skey")
	hIdx := strings.Index(q, "【对话历史】")
	mIdx := strings.Index(q, "【咨询师本轮回复】")
	cIdx := strings.Index(q, "【结构化数据】")
	require.True(t, hIdx >= 0 && mIdx > hIdx && cIdx > mIdx, q)
	assert.Contains(t, q, "来访者: 我最近很焦虑")
	assert.Contains(t, q, "听起来确实不容易")
	assert.Contains(t, q, "stress_curve")
}

func TestCallSupervisorAgent_SynthesizesRecord(t *testing.T) {
	// No memory_update, so no record arrives; the trainer fills the hole
	// from the evaluation when the turn number is known.
	reply := `{"reply": "{\"natural_language_feedback\": \"有进步\", \"structured_output\": {\"综合得分\": 3.5, \"总体评价\": \"可以\", \"建议\": \"多提问\"}}"}`

	sender := newFakeSender()
	sender.replies["skey"] = &agentapi.Reply{Answer: reply, ConversationID: "sc-2"}
	tr := newTestTrainer(sender, "")
	tr.SetCurrentTurn(3)

	res, err := tr.CallSupervisorAgent(context.Background(), "嗯", nil, nil)
	require.NoError(t, err)
	require.Nil(t, res.FullRecord)

	sess := tr.Session()
	require.True(t, sess.HasRecord(3))
	recs := sess.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Turn)
	assert.Equal(t, "有进步", recs[0].NaturalLanguageFeedback)
	assert.Equal(t, 3.5, recs[0].StructuredOutput.OverallScore)
}

func TestCallSupervisorAgent_NoSynthesisWithoutTurn(t *testing.T) {
	sender := newFakeSender()
	sender.replies["skey"] = &agentapi.Reply{Answer: "完全不是JSON的回复", ConversationID: "sc-3"}
	tr := newTestTrainer(sender, "")

	res, err := tr.CallSupervisorAgent(context.Background(), "嗯", nil, nil)
	require.NoError(t, err)

	// Degraded evaluation, but no invented turn record.
	assert.Equal(t, 3.0, res.Evaluation.OverallScore)
	assert.Empty(t, tr.Session().Records())
}

func TestCallSupervisorAgent_RealRecordNotOverwrittenBySynthesis(t *testing.T) {
	sender := newFakeSender()
	sender.replies["skey"] = &agentapi.Reply{Answer: supervisorAnswer(2), ConversationID: "sc-4"}
	tr := newTestTrainer(sender, "")
	tr.SetCurrentTurn(2)

	_, err := tr.CallSupervisorAgent(context.Background(), "嗯", nil, nil)
	require.NoError(t, err)

	recs := tr.Session().Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "共情到位", recs[0].NaturalLanguageFeedback)
}

func TestBuildSupervisorQuery_OmitsEmptySections(t *testing.T) {
	q := buildSupervisorQuery("你好", nil, nil)
	assert.NotContains(t, q, "【对话历史】")
	assert.NotContains(t, q, "【结构化数据】")
	assert.Contains(t, q, "【咨询师本轮回复】\n你好\n")
}

func TestCallOverallEvaluation_SkippedWithoutKey(t *testing.T) {
	sender := newFakeSender()
	tr := newTestTrainer(sender, "")

	ev, err := tr.CallOverallEvaluation(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, sender.queries)
}

func TestCallOverallEvaluation_SkippedWithoutHistory(t *testing.T) {
	sender := newFakeSender()
	tr := newTestTrainer(sender, "okey")

	ev, err := tr.CallOverallEvaluation(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, sender.queries)
}

func TestCallOverallEvaluation(t *testing.T) {
	answer := "```json\n" +
		`{"natural_language_feedback": "整体表现良好", "structured_output": {"综合得分": 7.5, "稳定优势": ["倾听", "共情"], "结构性短板": ["目标设定"]}}` +
		"\n```"

	sender := newFakeSender()
	sender.replies["okey"] = &agentapi.Reply{Answer: answer, ConversationID: "oc-1"}
	tr := newTestTrainer(sender, "okey")
	tr.Session().SetMemory("第1轮：共情到位\n\n第2轮：提问略急")
	tr.Session().MergeCompetencies(normalize.CompetencyScores{"Professionalism": 6.0})

	ev, err := tr.CallOverallEvaluation(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, 7.5, ev.OverallScore)
	assert.Equal(t, []string{"倾听", "共情"}, ev.StableStrengths)
	assert.Equal(t, []string{"目标设定"}, ev.StructuralWeaknesses)

	q := sender.query("okey")
	assert.Contains(t, q, "【督导记录】")
	assert.Contains(t, q, "第1轮：共情到位")
	assert.Contains(t, q, "【胜任力维度评分】")
	assert.Contains(t, q, "Professionalism")
}

func TestCallOverallEvaluation_TransportFailureDegrades(t *testing.T) {
	sender := newFakeSender()
	sender.errs["okey"] = errors.New("timeout")
	tr := newTestTrainer(sender, "okey")
	tr.Session().SetMemory("第1轮：记录")

	ev, err := tr.CallOverallEvaluation(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestResetConversations(t *testing.T) {
	sender := newFakeSender()
	sender.replies["skey"] = &agentapi.Reply{Answer: supervisorAnswer(1), ConversationID: "sc-1"}
	tr := newTestTrainer(sender, "")

	_, err := tr.CallSupervisorAgent(context.Background(), "嗯", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, tr.Session().Records())

	tr.ResetConversations()
	assert.Empty(t, tr.Session().Records())
	assert.Empty(t, tr.Session().ConversationID(session.RoleSupervisor))
	assert.Empty(t, tr.Session().Memory())
}

func TestPlayTurn_BothSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newFakeSender()
	sender.replies["vkey"] = &agentapi.Reply{Answer: visitorAnswer(), ConversationID: "vc-1"}
	sender.replies["skey"] = &agentapi.Reply{Answer: supervisorAnswer(1), ConversationID: "sc-1"}
	tr := newTestTrainer(sender, "")

	res := tr.PlayTurn(context.Background(), "你好", nil, nil)

	require.NoError(t, res.VisitorErr)
	require.NoError(t, res.SupervisorErr)
	require.NotNil(t, res.Visitor)
	require.NotNil(t, res.Supervisor)
	assert.Equal(t, "vc-1", tr.Session().ConversationID(session.RoleVisitor))
	assert.Equal(t, "sc-1", tr.Session().ConversationID(session.RoleSupervisor))
}

func TestPlayTurn_VisitorFailureKeepsSupervisor(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newFakeSender()
	sender.errs["vkey"] = errors.New("visitor down")
	sender.replies["skey"] = &agentapi.Reply{Answer: supervisorAnswer(1), ConversationID: "sc-1"}
	tr := newTestTrainer(sender, "")

	res := tr.PlayTurn(context.Background(), "你好", nil, nil)

	require.Error(t, res.VisitorErr)
	assert.Nil(t, res.Visitor)
	require.NotNil(t, res.Supervisor)
	assert.True(t, tr.Session().HasRecord(1))
	assert.Empty(t, tr.Session().ConversationID(session.RoleVisitor))
}

func TestPlayTurn_SupervisorFailureKeepsVisitor(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newFakeSender()
	sender.replies["vkey"] = &agentapi.Reply{Answer: visitorAnswer(), ConversationID: "vc-1"}
	sender.errs["skey"] = errors.New("supervisor down")
	tr := newTestTrainer(sender, "")

	res := tr.PlayTurn(context.Background(), "你好", nil, nil)

	require.Error(t, res.SupervisorErr)
	assert.Nil(t, res.Supervisor)
	require.NotNil(t, res.Visitor)
	assert.Equal(t, "我最近总是睡不好", res.Visitor.Text)
	assert.Empty(t, tr.Session().Records())
}
