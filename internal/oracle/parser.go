package oracle

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"crypto-signal-pipeline/internal/store"
)

var validKinds = map[string]bool{
	store.DecisionEnter:    true,
	store.DecisionContinue: true,
	store.DecisionAbandon:  true,
	store.DecisionHold:     true,
	store.DecisionAdjustSL: true,
	store.DecisionAdjustTP: true,
	store.DecisionReduce:   true,
	store.DecisionClose:    true,
}

var labelPattern = regexp.MustCompile(`(?im)^\s*(DECISION|CONFIDENCE|ENTRY|STOP_LOSS|TAKE_PROFIT|POSITION_SIZE|REASONING)\s*:\s*(.+)$`)

// jsonReply mirrors the documented oracle response shape.
type jsonReply struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	TradePlan  *struct {
		Entry        float64     `json:"entry"`
		StopLoss     float64     `json:"stop_loss"`
		TakeProfit   interface{} `json:"take_profit"`
		PositionSize float64     `json:"position_size"`
	} `json:"trade_plan"`
}

// ParseResponse extracts a decision from an oracle reply. The reply may be
// a JSON object, a JSON object surrounded by prose or a markdown fence, or
// labelled DECISION:/CONFIDENCE:/... lines. Missing labels default to
// continue at confidence 0.5; parsing never fails.
func ParseResponse(raw string) *store.Decision {
	decision := &store.Decision{
		Kind:       store.DecisionContinue,
		Confidence: 0.5,
	}

	if body, ok := extractJSON(raw); ok {
		var reply jsonReply
		if err := json.Unmarshal([]byte(body), &reply); err == nil && reply.Decision != "" {
			applyJSON(decision, &reply)
			return decision
		}
	}

	applyLabels(decision, raw)
	return decision
}

func applyJSON(d *store.Decision, reply *jsonReply) {
	if kind := strings.ToLower(strings.TrimSpace(reply.Decision)); validKinds[kind] {
		d.Kind = kind
	}
	if reply.Confidence > 0 && reply.Confidence <= 1 {
		d.Confidence = reply.Confidence
	}
	d.Reasoning = strings.TrimSpace(reply.Reasoning)

	if reply.TradePlan != nil {
		d.TradePlan = &store.TradePlan{
			Entry:        reply.TradePlan.Entry,
			StopLoss:     reply.TradePlan.StopLoss,
			TakeProfit:   toLevels(reply.TradePlan.TakeProfit),
			PositionSize: reply.TradePlan.PositionSize,
		}
	}
}

// toLevels accepts a single number or an array of numbers.
func toLevels(v interface{}) []float64 {
	switch x := v.(type) {
	case float64:
		return []float64{x}
	case []interface{}:
		out := make([]float64, 0, len(x))
		for _, item := range x {
			if f, ok := item.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}

func applyLabels(d *store.Decision, raw string) {
	plan := store.TradePlan{}
	planSet := false

	for _, match := range labelPattern.FindAllStringSubmatch(raw, -1) {
		label := strings.ToUpper(match[1])
		value := strings.TrimSpace(match[2])

		switch label {
		case "DECISION":
			kind := strings.ToLower(strings.Fields(value)[0])
			if validKinds[kind] {
				d.Kind = kind
			}
		case "CONFIDENCE":
			if f, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64); err == nil {
				if f > 1 {
					f /= 100
				}
				if f >= 0 && f <= 1 {
					d.Confidence = f
				}
			}
		case "ENTRY":
			if f, ok := parsePrice(value); ok {
				plan.Entry = f
				planSet = true
			}
		case "STOP_LOSS":
			if f, ok := parsePrice(value); ok {
				plan.StopLoss = f
				planSet = true
			}
		case "TAKE_PROFIT":
			if levels := parseLevels(value); len(levels) > 0 {
				plan.TakeProfit = levels
				planSet = true
			}
		case "POSITION_SIZE":
			if f, ok := parsePrice(strings.TrimSuffix(value, "%")); ok {
				plan.PositionSize = f
				planSet = true
			}
		case "REASONING":
			d.Reasoning = value
		}
	}

	if planSet {
		d.TradePlan = &plan
	}
}

func parsePrice(value string) (float64, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	cleaned = strings.TrimPrefix(cleaned, "$")
	f, err := strconv.ParseFloat(cleaned, 64)
	return f, err == nil
}

// parseLevels reads "52000" or "52000, 54000" into ordered levels. A comma
// followed by exactly three digits is treated as a thousands separator
// ("52,000"), not a level boundary.
func parseLevels(value string) []float64 {
	parts := strings.Split(value, ",")

	thousands := len(parts) > 1
	for _, part := range parts[1:] {
		trimmed := strings.TrimSpace(part)
		if len(trimmed) != 3 || strings.ContainsAny(trimmed, ".$ ") {
			thousands = false
			break
		}
	}
	if thousands || len(parts) == 1 {
		if f, ok := parsePrice(value); ok {
			return []float64{f}
		}
		return nil
	}

	levels := make([]float64, 0, len(parts))
	for _, part := range parts {
		if f, ok := parsePrice(part); ok {
			levels = append(levels, f)
		}
	}
	return levels
}

// extractJSON finds the first top-level JSON object in the reply, stripping
// a surrounding markdown code fence when present.
func extractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
