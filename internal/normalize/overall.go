package normalize

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"counselsim/internal/extract"
)

// overallWire mirrors the overall-evaluation response. The strengths and
// weaknesses fields arrive either as an already-split list or as a single
// numbered string ("1. ... 2. ..."), so they decode through stringList.
type overallWire struct {
	NaturalLanguageFeedback string `json:"natural_language_feedback"`
	StructuredOutput        *struct {
		OverallScore         float64    `json:"综合得分"`
		StableStrengths      stringList `json:"稳定优势"`
		StructuralWeaknesses stringList `json:"结构性短板"`
	} `json:"structured_output"`
}

// stringList accepts both a JSON array of strings and a single numbered
// string, splitting the latter on the "<digit>. " pattern.
type stringList []string

var numberedItemRe = regexp.MustCompile(`\d+\.\s*`)

func (l *stringList) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*l = items
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*l = splitNumbered(single)
	return nil
}

func splitNumbered(s string) []string {
	var out []string
	for _, part := range numberedItemRe.Split(s, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseOverall normalizes the end-of-session overall evaluation. It returns
// nil whenever nothing usable can be recovered: the final report degrades to
// whatever per-turn data exists, it never errors out.
func ParseOverall(answer string, log *zap.Logger) *OverallEvaluation {
	if log == nil {
		log = zap.NewNop()
	}

	obj, ok := extract.FromFence(strings.TrimSpace(answer))
	if !ok {
		log.Warn("overall evaluation answer carried no JSON object")
		return nil
	}

	var w overallWire
	if !lenientUnmarshal(obj, &w) {
		log.Warn("overall evaluation did not decode")
		return nil
	}
	if w.StructuredOutput == nil {
		log.Warn("overall evaluation missing structured_output")
		return nil
	}

	return &OverallEvaluation{
		NaturalLanguageFeedback: w.NaturalLanguageFeedback,
		OverallScore:            w.StructuredOutput.OverallScore,
		StableStrengths:         w.StructuredOutput.StableStrengths,
		StructuralWeaknesses:    w.StructuredOutput.StructuralWeaknesses,
	}
}
