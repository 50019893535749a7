package ai

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// reviewResponseSchema is the contract the strict decode stage validates
// against before a response is accepted without coercion.
const reviewResponseSchema = `{
	"type": "object",
	"required": ["quality_score", "summary"],
	"properties": {
		"quality_score": {"type": "number", "minimum": 0, "maximum": 100},
		"code_smell_score": {"type": "number", "minimum": 0, "maximum": 100},
		"summary": {"type": "string"},
		"category_feedback": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("review-response.json", reviewResponseSchema)

// parseReviewResponse decodes a model response in two stages: a strict
// schema-validated decode, then a lenient scan that extracts the outermost
// balanced JSON object from surrounding prose and coerces missing or
// non-numeric fields to zero. The boolean reports whether any analysis was
// produced at all.
func parseReviewResponse(content string, logger zerolog.Logger) (ReviewResult, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return ReviewResult{}, false
	}

	if result, ok := strictDecode(content); ok {
		return result, true
	}

	span := balancedJSONSpan(content)
	if span == "" {
		return ReviewResult{}, false
	}

	if result, ok := strictDecode(span); ok {
		return result, true
	}

	if !gjson.Valid(span) {
		return ReviewResult{}, false
	}

	result := ReviewResult{
		QualityScore:   clampScore(gjson.Get(span, "quality_score").Float()),
		CodeSmellScore: clampScore(gjson.Get(span, "code_smell_score").Float()),
		Summary:        gjson.Get(span, "summary").String(),
	}

	if !gjson.Get(span, "quality_score").Exists() || gjson.Get(span, "quality_score").Type == gjson.String {
		logger.Warn().Msg("quality score missing or non-numeric in review response, coerced to numeric")
	}

	if feedback := gjson.Get(span, "category_feedback"); feedback.IsObject() {
		result.CategoryFeedback = make(map[string]string)
		feedback.ForEach(func(key, value gjson.Result) bool {
			result.CategoryFeedback[key.String()] = value.String()
			return true
		})
	}

	return result, true
}

func strictDecode(content string) (ReviewResult, bool) {
	var raw interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return ReviewResult{}, false
	}
	if err := compiledSchema.Validate(raw); err != nil {
		return ReviewResult{}, false
	}

	var result ReviewResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return ReviewResult{}, false
	}

	result.QualityScore = clampScore(result.QualityScore)
	result.CodeSmellScore = clampScore(result.CodeSmellScore)
	return result, true
}

// balancedJSONSpan returns the outermost balanced brace span in the text, or
// an empty string when none closes. Braces inside JSON strings are skipped.
func balancedJSONSpan(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}

	return ""
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
