package normalize

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"counselsim/internal/extract"
)

// visitorEnvelope is the outer reply object of the current visitor protocol.
type visitorEnvelope struct {
	Reply     string `json:"reply"`
	OpenStage string `json:"open_stage"`
}

var (
	levelRe      = regexp.MustCompile(`(?i)\bLevel\s+(\d+)\b`)
	replyFieldRe = regexp.MustCompile(`"reply":\s*"([^"]+)"`)
)

// replyStrategy tries to recover the nested envelope hidden inside a reply
// string. Strategies are pure; they are tried in order and the first one
// producing a non-empty nested reply wins.
type replyStrategy struct {
	name string
	fn   func(string) (visitorEnvelope, bool)
}

var nestedReplyStrategies = []replyStrategy{
	{"direct", func(reply string) (visitorEnvelope, bool) {
		return decodeEnvelope(reply)
	}},
	{"fence", func(reply string) (visitorEnvelope, bool) {
		if obj, ok := extract.FromFence(extract.Sanitize(reply)); ok {
			return decodeEnvelope(obj)
		}
		return visitorEnvelope{}, false
	}},
	{"balanced", func(reply string) (visitorEnvelope, bool) {
		if obj, ok := extract.FirstObject(extract.Sanitize(reply)); ok {
			return decodeEnvelope(obj)
		}
		return visitorEnvelope{}, false
	}},
}

func decodeEnvelope(s string) (visitorEnvelope, bool) {
	var env visitorEnvelope
	if !lenientUnmarshal(s, &env) {
		return visitorEnvelope{}, false
	}
	return env, env.Reply != ""
}

// parseOpenness extracts a "Level N" openness marker, accepting only 1..4.
// Anything else returns 0: this layer never invents an openness level.
func parseOpenness(openStage string) int {
	m := levelRe.FindStringSubmatch(openStage)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > 4 {
		return 0
	}
	return n
}

// ParseVisitor normalizes one raw visitor answer.
//
// The current protocol concatenates two top-level JSON objects: the reply
// envelope and the chart payload. Fewer than two objects is a valid degraded
// result, not an error: the whole answer becomes the displayed text.
func ParseVisitor(answer string, log *zap.Logger) VisitorResult {
	if log == nil {
		log = zap.NewNop()
	}
	res := VisitorResult{Text: answer}

	objs := extract.AllObjects(answer)
	log.Debug("visitor answer scanned", zap.Int("objects", len(objs)))
	if len(objs) < 2 {
		return res
	}

	var env visitorEnvelope
	if err := json.Unmarshal(objs[0], &env); err != nil {
		log.Warn("visitor envelope did not decode", zap.Error(err))
		return res
	}
	var chart ChartData
	if err := json.Unmarshal(objs[1], &chart); err != nil {
		log.Warn("chart payload did not decode", zap.Error(err))
	}

	if env.Reply != "" {
		if strings.Contains(env.Reply, "{") {
			res.Text, res.Openness = resolveNestedReply(env.Reply, log)
		} else {
			res.Text = env.Reply
		}
		if res.Openness == 0 {
			res.Openness = parseOpenness(env.OpenStage)
		}
	}

	if !chart.Empty() {
		res.Chart = &chart
	}
	return res
}

// resolveNestedReply handles the historical case where the envelope's reply
// field is itself a JSON-encoded object (possibly fenced, possibly carrying
// raw control characters). The final fallbacks are a bare regex capture of
// the reply value and, failing that, the string as-is.
func resolveNestedReply(reply string, log *zap.Logger) (text string, openness int) {
	for _, s := range nestedReplyStrategies {
		nested, ok := s.fn(reply)
		if !ok {
			continue
		}
		log.Debug("nested reply recovered", zap.String("strategy", s.name))
		return nested.Reply, parseOpenness(nested.OpenStage)
	}

	if m := replyFieldRe.FindStringSubmatch(reply); m != nil {
		return strings.ReplaceAll(m[1], `\"`, `"`), 0
	}
	return reply, 0
}
