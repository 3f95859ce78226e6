package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"counselsim/internal/extract"
)

// supervisorSibling is the shape probed on every top-level object of a
// supervisor answer. The current protocol emits memory_update, reply and the
// competency dimensions as sibling fields across one or more objects.
type supervisorSibling struct {
	MemoryUpdate string `json:"memory_update"`
	Reply        string `json:"reply"`
}

// recordWire mirrors the full-record JSON hidden inside memory_update.
// StructuredOutput is a pointer so presence can be distinguished from zero.
type recordWire struct {
	Turn                    int         `json:"轮次"`
	NaturalLanguageFeedback string      `json:"natural_language_feedback"`
	StructuredOutput        *Structured `json:"structured_output"`
}

// evalWire mirrors the structured evaluation block. OverallScore is a
// pointer: a strategy only matches when the score key is actually present.
type evalWire struct {
	OverallScore   *float64        `json:"综合得分"`
	Summary        string          `json:"总体评价"`
	Suggestion     string          `json:"建议"`
	SkipAssessment *SkipAssessment `json:"跳步判断"`
}

// wrapperWire mirrors the {natural_language_feedback, structured_output}
// wrapper shape. The inner block reuses evalWire so an absent score can be
// told apart from a genuine zero.
type wrapperWire struct {
	NaturalLanguageFeedback string    `json:"natural_language_feedback"`
	StructuredOutput        *evalWire `json:"structured_output"`
}

var (
	fenceBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	// 完整督导记录 = "full supervisor record", the legacy whole-text marker.
	legacyRecordRe = regexp.MustCompile("(?s)完整督导记录\\s*```json\\s*(.*?)\n```")
	// Terminator of the legacy 本轮评价 ("this turn's evaluation") section.
	legacyEvalEndRe   = regexp.MustCompile(`\n\s*(?:Professionalism|Relational)`)
	numberedSectionRe = regexp.MustCompile(`\n\n\d+\.`)
)

// competencyRes are the legacy "Dimension: 6.0" textual score markers,
// compiled once per dimension.
var competencyRes = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(Dimensions))
	for _, d := range Dimensions {
		m[d] = regexp.MustCompile(`(?i)` + d + `[:：]\s*(\d+(?:\.\d+)?)`)
	}
	return m
}()

// evalStrategy tries to recover the evaluation from one reply string.
type evalStrategy struct {
	name string
	fn   func(string) (Evaluation, bool)
}

// The ordered reply cascade. The first (wrapper decode) targets the current
// protocol; the rest exist for backward compatibility with already-deployed
// agent configurations and must stay behind it.
var replyStrategies = []evalStrategy{
	{"wrapper", evalFromWrapper},
	{"fenced", evalFromFencedBlock},
	{"section", evalFromStructuredSection},
	{"legacy-fence", evalFromLegacyFence},
}

func evalFromWrapper(reply string) (Evaluation, bool) {
	var w wrapperWire
	if !lenientUnmarshal(reply, &w) || w.StructuredOutput == nil {
		return Evaluation{}, false
	}
	inner := w.StructuredOutput
	ev := Evaluation{
		OverallScore:            neutralScore,
		Summary:                 inner.Summary,
		Suggestion:              inner.Suggestion,
		NaturalLanguageFeedback: w.NaturalLanguageFeedback,
	}
	if inner.OverallScore != nil {
		ev.OverallScore = *inner.OverallScore
	}
	if inner.SkipAssessment != nil {
		ev.SkipAssessment = *inner.SkipAssessment
	}
	return ev, true
}

func evalFromFencedBlock(reply string) (Evaluation, bool) {
	m := fenceBlockRe.FindStringSubmatch(reply)
	if m == nil {
		return Evaluation{}, false
	}
	ev, ok := decodeEvalWire(strings.TrimSpace(m[1]))
	if !ok {
		return Evaluation{}, false
	}
	ev.NaturalLanguageFeedback = feedbackSection(reply)
	return ev, true
}

func evalFromStructuredSection(reply string) (Evaluation, bool) {
	idx := strings.Index(reply, "结构化输出")
	if idx < 0 {
		return Evaluation{}, false
	}
	blob, ok := extract.FromFence(reply[idx:])
	if !ok {
		return Evaluation{}, false
	}
	ev, ok := decodeEvalWire(blob)
	if !ok {
		return Evaluation{}, false
	}
	ev.NaturalLanguageFeedback = feedbackSection(reply)
	return ev, true
}

func evalFromLegacyFence(reply string) (Evaluation, bool) {
	obj, ok := extract.FromFence(reply)
	if !ok {
		return Evaluation{}, false
	}
	return evalFromWrapper(obj)
}

// decodeEvalWire parses a bare structured evaluation block and required the
// score key to be present, matching how the old client decided a candidate
// was really an evaluation and not some other object.
func decodeEvalWire(s string) (Evaluation, bool) {
	var w evalWire
	if !lenientUnmarshal(s, &w) || w.OverallScore == nil {
		return Evaluation{}, false
	}
	ev := Evaluation{
		OverallScore: *w.OverallScore,
		Summary:      w.Summary,
		Suggestion:   w.Suggestion,
	}
	if w.SkipAssessment != nil {
		ev.SkipAssessment = *w.SkipAssessment
	}
	return ev, true
}

// feedbackSection pulls the free-text 自然语言反馈 ("natural language
// feedback") paragraph out of a mixed reply. Best effort only: its absence
// is never an error.
func feedbackSection(reply string) string {
	idx := strings.Index(reply, "自然语言反馈")
	if idx < 0 {
		return ""
	}
	rest := reply[idx+len("自然语言反馈"):]
	rest = strings.TrimLeft(rest, "：: \t\n#")

	cut := len(rest)
	for _, term := range []string{"\n\n###", "\n\n结构化输出"} {
		if j := strings.Index(rest, term); j >= 0 && j < cut {
			cut = j
		}
	}
	if loc := numberedSectionRe.FindStringIndex(rest); loc != nil && loc[0] < cut {
		cut = loc[0]
	}

	fb := strings.TrimSpace(rest[:cut])
	fb = fenceBlockRe.ReplaceAllString(fb, "")
	return strings.TrimSpace(fb)
}

// competenciesFromObject reads any same-named dimension fields off one
// extracted object. Values arrive as numbers or numeric strings depending on
// the agent configuration.
func competenciesFromObject(raw json.RawMessage, into CompetencyScores) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	for _, d := range Dimensions {
		v, ok := fields[d]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			into[d] = n
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				into[d] = f
			}
		}
	}
}

// competenciesFromText is the legacy textual fallback ("Professionalism: 6.0"
// markers in prose).
func competenciesFromText(answer string) CompetencyScores {
	scores := CompetencyScores{}
	for _, d := range Dimensions {
		if m := competencyRes[d].FindStringSubmatch(answer); m != nil {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil {
				scores[d] = f
			}
		}
	}
	return scores
}

// recordFromMemory probes a memory_update value for the fenced full-record
// JSON of the current protocol.
func recordFromMemory(memory string) *FullRecord {
	obj, ok := extract.FromFence(memory)
	if !ok {
		return nil
	}
	var w recordWire
	if !lenientUnmarshal(obj, &w) {
		return nil
	}
	if w.Turn == 0 || w.StructuredOutput == nil {
		return nil
	}
	return &FullRecord{
		Turn:                    w.Turn,
		NaturalLanguageFeedback: w.NaturalLanguageFeedback,
		StructuredOutput:        *w.StructuredOutput,
	}
}

// ParseSupervisor normalizes one raw supervisor answer.
//
// It never fails: when nothing structured can be recovered it synthesizes
// the default evaluation, so a format drift upstream never stops a running
// session.
func ParseSupervisor(answer string, log *zap.Logger) SupervisorResult {
	if log == nil {
		log = zap.NewNop()
	}
	answer = strings.TrimSpace(answer)

	res := SupervisorResult{Competencies: CompetencyScores{}}
	var eval *Evaluation

	objs := extract.AllObjects(answer)
	log.Debug("supervisor answer scanned", zap.Int("objects", len(objs)))

	for _, raw := range objs {
		var sib supervisorSibling
		if err := json.Unmarshal(raw, &sib); err != nil {
			continue
		}

		if sib.MemoryUpdate != "" {
			// The upstream returns the full cumulative transcript each
			// turn: replace, never append.
			res.MemoryUpdate = sib.MemoryUpdate
			if rec := recordFromMemory(sib.MemoryUpdate); rec != nil {
				res.FullRecord = rec
				log.Debug("full record recovered from memory_update", zap.Int("turn", rec.Turn))
			}
		}

		if sib.Reply != "" && eval == nil {
			for _, s := range replyStrategies {
				if ev, ok := s.fn(sib.Reply); ok {
					log.Debug("evaluation recovered", zap.String("strategy", s.name))
					eval = &ev
					break
				}
			}
		}

		competenciesFromObject(raw, res.Competencies)
	}

	// Legacy whole-text protocol: section markers instead of JSON siblings.
	if eval == nil {
		if ev, ok := legacyTextEvaluation(answer); ok {
			log.Debug("evaluation recovered", zap.String("strategy", "legacy-text"))
			eval = &ev
			res.Competencies = competenciesFromText(answer)
			if res.FullRecord == nil {
				res.FullRecord = legacyTextRecord(answer)
			}
		}
	}

	if eval == nil {
		log.Warn("supervisor answer unparseable, synthesizing default evaluation",
			zap.Int("answer_len", len(answer)))
		res.Evaluation = defaultEvaluation(answer)
		res.Competencies = CompetencyScores{}
		return res
	}

	applyEvaluationDefaults(eval)
	res.Evaluation = *eval
	return res
}

// legacyTextEvaluation handles the oldest observed format: a 本轮评价
// section followed by a fenced wrapper object.
func legacyTextEvaluation(answer string) (Evaluation, bool) {
	idx := strings.Index(answer, "本轮评价")
	if idx < 0 {
		return Evaluation{}, false
	}
	section := answer[idx+len("本轮评价"):]
	if loc := legacyEvalEndRe.FindStringIndex(section); loc != nil {
		section = section[:loc[0]]
	}
	obj, ok := extract.FromFence(strings.TrimSpace(section))
	if !ok {
		return Evaluation{}, false
	}
	return evalFromWrapper(obj)
}

// legacyTextRecord handles the 完整督导记录 marker of the same old format.
func legacyTextRecord(answer string) *FullRecord {
	m := legacyRecordRe.FindStringSubmatch(answer)
	if m == nil {
		return nil
	}
	obj, ok := extract.FirstObject(m[1])
	if !ok {
		return nil
	}
	var w recordWire
	if !lenientUnmarshal(obj, &w) {
		return nil
	}
	if w.Turn == 0 || w.StructuredOutput == nil {
		return nil
	}
	return &FullRecord{
		Turn:                    w.Turn,
		NaturalLanguageFeedback: w.NaturalLanguageFeedback,
		StructuredOutput:        *w.StructuredOutput,
	}
}

// applyEvaluationDefaults backfills every required field so the UI never
// observes an empty one.
func applyEvaluationDefaults(ev *Evaluation) {
	if ev.Summary == "" {
		ev.Summary = defaultSummary
	}
	if ev.Suggestion == "" {
		ev.Suggestion = defaultSuggestion
	}
	if ev.SkipAssessment == (SkipAssessment{}) {
		ev.SkipAssessment = SkipAssessment{
			IsSkip:           false,
			SkipType:         noSkipType,
			SupervisorAdvice: noSkipAdvice,
		}
	}
}

// defaultEvaluation is the degraded-but-valid payload returned when nothing
// could be parsed. The raw answer doubles as the summary so the student
// still sees what the supervisor said.
func defaultEvaluation(answer string) Evaluation {
	summary := answer
	if summary == "" {
		summary = parseErrSummary
	}
	return Evaluation{
		OverallScore: neutralScore,
		Summary:      summary,
		Suggestion:   defaultSuggestion,
		SkipAssessment: SkipAssessment{
			IsSkip:           false,
			SkipType:         parseErrSkipType,
			SupervisorAdvice: parseErrSkipAdvice,
		},
	}
}

// SynthesizeRecord builds a fallback full record from an evaluation when the
// current turn is known but memory_update produced none.
func SynthesizeRecord(turn int, ev Evaluation) *FullRecord {
	feedback := ev.NaturalLanguageFeedback
	if feedback == "" {
		feedback = ev.Summary
	}
	return &FullRecord{
		Turn:                    turn,
		NaturalLanguageFeedback: feedback,
		StructuredOutput: Structured{
			OverallScore:   ev.OverallScore,
			Summary:        ev.Summary,
			Suggestion:     ev.Suggestion,
			SkipAssessment: ev.SkipAssessment,
		},
	}
}

// FormatRecordLine renders one record the way the overall-evaluation prompt
// expects ("第N轮：feedback").
func FormatRecordLine(rec FullRecord) string {
	return fmt.Sprintf("第%d轮：%s", rec.Turn, rec.NaturalLanguageFeedback)
}
