// Package normalize turns raw agent answers into the canonical structures the
// training UI consumes. Each response shape (visitor reply, supervisor
// evaluation, end-of-session overall evaluation) has its own pipeline built
// as an ordered cascade of strategies; the first strategy that yields the
// mandatory fields wins, and one strategy failing never blocks the next.
//
// The upstream wire vocabulary is partly Chinese (综合得分, 总体评价, 建议,
// 跳步判断, 轮次, 稳定优势, 结构性短板); the structs below keep those keys in
// their json tags and expose English field names.
package normalize

// Competency dimensions scored by the supervisor, fixed set, 0-10 each.
var Dimensions = []string{
	"Professionalism",
	"Relational",
	"Science",
	"Application",
	"Education",
	"Systems",
}

// CompetencyScores maps dimension name to score. Absent dimensions mean
// "not triggered this session"; consumers read them as zero.
type CompetencyScores map[string]float64

// StagePoint is one sample of the conversation stage curve.
type StagePoint struct {
	DialogueCount int `json:"dialogue_count"`
	Stage         int `json:"stage"`
}

// EmotionLabel is one entry of the session emotion timeline.
type EmotionLabel struct {
	Label string `json:"label"`
	Turn  int    `json:"turn"`
}

// CurvePoint is one sample of the stress or emotion curve.
type CurvePoint struct {
	Turn  int     `json:"turn"`
	Value float64 `json:"value"`
}

// ChartData carries the visitor agent's derived session metrics. Every
// answer supplies the complete replacement series to date, not deltas, so
// consumers replace their stored copy rather than merging.
type ChartData struct {
	ConversationStageCurve []StagePoint   `json:"conversation_stage_curve,omitempty"`
	SessionEmotionTimeline []EmotionLabel `json:"session_emotion_timeline,omitempty"`
	StressCurve            []CurvePoint   `json:"stress_curve,omitempty"`
	EmotionCurve           []CurvePoint   `json:"emotion_curve,omitempty"`
}

// Empty reports whether no series is present at all.
func (c *ChartData) Empty() bool {
	return c == nil ||
		(len(c.ConversationStageCurve) == 0 &&
			len(c.SessionEmotionTimeline) == 0 &&
			len(c.StressCurve) == 0 &&
			len(c.EmotionCurve) == 0)
}

// SkipAssessment is the supervisor's judgement on whether the counselor
// skipped a counseling stage this turn.
type SkipAssessment struct {
	IsSkip           bool   `json:"是否跳步"`
	SkipType         string `json:"跳步类型"`
	SupervisorAdvice string `json:"督导建议"`
}

// Evaluation is the per-turn supervisor judgement shown in the UI. All
// fields carry non-empty defaults when extraction cannot populate them; the
// UI must never observe a missing required field.
type Evaluation struct {
	OverallScore            float64        `json:"综合得分"`
	Summary                 string         `json:"总体评价"`
	Suggestion              string         `json:"建议"`
	SkipAssessment          SkipAssessment `json:"跳步判断"`
	NaturalLanguageFeedback string         `json:"natural_language_feedback,omitempty"`
}

// FullRecord is one turn's complete supervisor record, accumulated for the
// end-of-session overall evaluation.
type FullRecord struct {
	Turn                    int        `json:"轮次"`
	NaturalLanguageFeedback string     `json:"natural_language_feedback"`
	StructuredOutput        Structured `json:"structured_output"`
}

// Structured is the structured_output block inside a full record.
type Structured struct {
	OverallScore   float64        `json:"综合得分"`
	Summary        string         `json:"总体评价"`
	Suggestion     string         `json:"建议"`
	SkipAssessment SkipAssessment `json:"跳步判断"`
}

// VisitorResult is the normalized outcome of one visitor call. Openness 0
// means the openness level could not be determined; defaults belong to the
// consumer, never to this layer.
type VisitorResult struct {
	Text     string
	Chart    *ChartData
	Openness int
}

// SupervisorResult is the normalized outcome of one supervisor call.
// MemoryUpdate, when non-empty, is the authoritative cumulative transcript
// and replaces (never appends to) the stored session memory.
type SupervisorResult struct {
	Evaluation   Evaluation
	Competencies CompetencyScores
	FullRecord   *FullRecord
	MemoryUpdate string
}

// OverallEvaluation is the end-of-session summary judgement. It is optional
// end to end: parse failure yields no evaluation, not an error.
type OverallEvaluation struct {
	NaturalLanguageFeedback string
	OverallScore            float64
	StableStrengths         []string
	StructuralWeaknesses    []string
}

// Canned fallback strings, matching the agent deployment's language.
const (
	defaultSummary     = "暂无评价"
	defaultSuggestion  = "请继续关注来访者的需求和感受。"
	parseErrSummary    = "督导响应解析失败"
	parseErrSkipType   = "解析错误"
	parseErrSkipAdvice = "评价格式解析出现问题"
	noSkipType         = "无"
	noSkipAdvice       = "无跳步问题"
)

// neutralScore is the midpoint default applied when no score was recovered.
const neutralScore = 3
