package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultMaxTranscriptChars bounds the transcript text sent to the model.
const DefaultMaxTranscriptChars = 32000

// EmptyTranscriptSummary is returned without a model call when nothing is
// left of the transcript after cleaning.
const EmptyTranscriptSummary = "The meeting contained no substantive discussion to summarise."

const defaultInstructions = `You are an expert meeting summarizer.
The following transcript may contain repetitions, casual chatter, or filler.
Your job:
- Ignore irrelevant, repeated, or meaningless lines.
- Focus ONLY on exchanges with concrete information, questions, or answers.
- If the meeting had little substance, still summarise what actually happened in 1-2 sentences.

Format:
## Meeting Overview
Brief 2-3 sentence summary.

## Key Points Discussed
- Bullet points of important topics, decisions, or clarifications.

## Action Items (if any)
- [Task] - [Owner] - [Due Date]

## Next Steps (if any)
- Upcoming plans or follow-ups.`

var fillers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^okay(,|\s|$)`),
	regexp.MustCompile(`(?i)^how are you\??$`),
	regexp.MustCompile(`(?i)^i'?m fine`),
	regexp.MustCompile(`(?i)^nothing much`),
	regexp.MustCompile(`(?i)^sure go ahead`),
	regexp.MustCompile(`(?i)^yes(\.|,|$)`),
}

type meetTranscript struct {
	Entries []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"entries"`
}

// CleanTranscript turns a captioning export ({"entries":[{speaker,text}]})
// into "speaker: text" lines, dropping exact duplicates and filler. Content
// that is not such JSON is returned trimmed and otherwise unchanged.
func CleanTranscript(content string) string {
	var mt meetTranscript
	if err := json.Unmarshal([]byte(content), &mt); err != nil || mt.Entries == nil {
		return strings.TrimSpace(content)
	}

	seen := make(map[string]bool, len(mt.Entries))
	lines := make([]string, 0, len(mt.Entries))
	for _, e := range mt.Entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		if isFiller(text) {
			continue
		}
		line := e.Speaker + ": " + text
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func isFiller(text string) bool {
	for _, re := range fillers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// BuildPrompt combines instructions with the cleaned transcript, truncated
// to maxChars runes. A custom prompt replaces the default instructions.
func BuildPrompt(cleaned, customPrompt string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxTranscriptChars
	}
	if r := []rune(cleaned); len(r) > maxChars {
		cleaned = string(r[:maxChars])
	}

	if strings.TrimSpace(customPrompt) != "" {
		return customPrompt + "\n\nPlease analyze this cleaned meeting transcript and provide a summary based on your custom requirements:\n\n" + cleaned
	}
	return defaultInstructions + "\n\nTranscript:\n" + cleaned
}
