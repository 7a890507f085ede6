package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// Sentiment labels the classifier may return.
var SentimentLabels = []string{"sadness", "joy", "love", "anger", "fear", "surprise", "neutral"}

// NeutralSentiment is written when a document cannot be classified.
const NeutralSentiment = "neutral"

const sentimentSystemPrompt = `You are a sentiment classifier. Classify the emotion expressed in the text you receive.
Answer only with a JSON object of the form {"label": "<label>", "score": <confidence between 0 and 1>}.
The label must be one of: sadness, joy, love, anger, fear, surprise, neutral.`

func registerMetadataAnalysis(c *pipeline.Catalog, deps Deps) {
	c.MustRegister(pipeline.Info{
		ID:          "word_counter",
		Name:        "Word Counter",
		Category:    CategoryMetadataAnalysis,
		Description: "Count the words of every document.",
		Parameters: map[string]pipeline.Parameter{
			"input_column":  inputColumn("Column whose words are counted.", fullTextColumn, fullTextColumn),
			"output_column": outputColumn("The word count is stored in this column.", "wordCount", "wordCount", "word_count"),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		return pipeline.NewRowProcessor(p.String("input_column", fullTextColumn), p.String("output_column", "wordCount"), WordCounter{}), nil
	})

	c.MustRegister(pipeline.Info{
		ID:          "sentiment_analysis",
		Name:        "Sentiment Analyser",
		Category:    CategoryMetadataAnalysis,
		Description: "Classify the emotion expressed by every document.",
		Parameters: map[string]pipeline.Parameter{
			"model":         modelParam("The LLM used for classification.", deps),
			"input_column":  inputColumn("Column to use for sentiment analysis.", fullTextColumn, fullTextColumn, "summary"),
			"output_column": outputColumn("The sentiment is stored in this column.", "sentiment", "sentiment"),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		model := p.String("model", deps.defaultModel())
		llm, err := deps.llm("sentiment_analysis", model)
		if err != nil {
			return nil, err
		}
		return pipeline.NewRowProcessor(p.String("input_column", fullTextColumn), p.String("output_column", "sentiment"),
			&SentimentClassifier{llm: llm, Model: model}), nil
	})

	c.MustRegister(pipeline.Info{
		ID:          "relevance_marking",
		Name:        "Marking Relevance",
		Category:    CategoryMetadataAnalysis,
		Description: "Highlight the passages of a column most relevant to the run query or to a query given for this step.",
		Parameters: map[string]pipeline.Parameter{
			"model":         modelParam("The LLM used to detect the most relevant passages.", deps),
			"input_column":  inputColumn("Column holding the text to highlight.", fullTextColumn, fullTextColumn),
			"output_column": outputColumn("The highlighted text is stored in this column.", "highlight-full-text", "highlight-full-text"),
			"query":         param("Optional query", "A query used instead of the run query. Optional.", "string", ""),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		model := p.String("model", deps.defaultModel())
		llm, err := deps.llm("relevance_marking", model)
		if err != nil {
			return nil, err
		}
		return &RelevanceMarker{
			llm:    llm,
			Model:  model,
			Input:  p.String("input_column", fullTextColumn),
			Output: p.String("output_column", "highlight-full-text"),
			Query:  p.String("query", ""),
		}, nil
	})
}

// WordCounter counts space separated words.
type WordCounter struct{}

// Fingerprint implements pipeline.RowFunc.
func (WordCounter) Fingerprint() string { return "" }

// TransformRow implements pipeline.RowFunc. The count is written as text.
func (WordCounter) TransformRow(_ context.Context, text string, _ *pipeline.Handler) (pipeline.RowResult, error) {
	count := 0
	if text != "" {
		count = len(strings.Split(text, " "))
	}
	return pipeline.RowResult{Value: strconv.Itoa(count), Role: pipeline.RoleChip}, nil
}

// SentimentClassifier labels every document with an emotion.
type SentimentClassifier struct {
	llm   oracle.LLM
	Model string
}

type sentimentAnswer struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Fingerprint implements pipeline.RowFunc.
func (c *SentimentClassifier) Fingerprint() string { return "sentiment:" + c.Model }

// TransformRow implements pipeline.RowFunc. Failures degrade to the neutral
// label with a warning; the step goes on.
func (c *SentimentClassifier) TransformRow(ctx context.Context, text string, h *pipeline.Handler) (pipeline.RowResult, error) {
	if strings.TrimSpace(text) == "" {
		return pipeline.RowResult{Value: NeutralSentiment, Role: pipeline.RoleChip}, nil
	}
	answer, err := c.llm.Generate(ctx, oracle.Request{Model: c.Model, System: sentimentSystemPrompt, Prompt: text})
	if err != nil {
		h.Warn(pipeline.Warning{Kind: pipeline.WarnRowFailure, Message: "sentiment analysis failed: " + err.Error()})
		return pipeline.RowResult{Value: NeutralSentiment, Role: pipeline.RoleChip}, nil
	}
	label, ok := ParseSentiment(answer)
	if !ok {
		h.Warn(pipeline.Warning{Kind: pipeline.WarnRowFailure, Message: fmt.Sprintf("unusable sentiment answer %q", answer)})
		return pipeline.RowResult{Value: NeutralSentiment, Role: pipeline.RoleChip}, nil
	}
	return pipeline.RowResult{Value: label, Role: pipeline.RoleChip}, nil
}

// ParseSentiment extracts the label from a possibly malformed JSON answer.
func ParseSentiment(answer string) (string, bool) {
	start := strings.Index(answer, "{")
	if start < 0 {
		return "", false
	}
	repaired, err := jsonrepair.JSONRepair(answer[start:])
	if err != nil {
		return "", false
	}
	var parsed sentimentAnswer
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return "", false
	}
	label := strings.ToLower(strings.TrimSpace(parsed.Label))
	for _, l := range SentimentLabels {
		if l == label {
			return label, true
		}
	}
	return "", false
}

const (
	// maxMarkingTries bounds the highlighting attempts per document.
	maxMarkingTries = 3
	// markingSimilarity is the minimum quick ratio between answer and input.
	markingSimilarity = 0.9

	markingRules = `-) You must not delete or modify any part of the original input text.
-) You may highlight one or multiple passages as needed.
-) The original input text will always be between '[TEXT_START]' and '[TEXT_END]'. Your response must include everything between these markers, including titles, headers, or URLS.
-) Your response must begin with '[ANSWER]' followed by the modified text with highlights.`

	problemSystemPrompt = "You are a problem solving assistant. All you need to know, you will get in the prompts. Follow them exactly."
)

var (
	markingSystemPrompt = `You are an assistant designed to identify and highlight the most relevant text passages in a given input text based on a specific query. Your task is to highlight the most important passages by surrounding them with two asterisks (**).
You have to follow a given ruleset:
` + markingRules + `
Input format:
[QUERY] your-query-here
[TEXT_START] your-text-here [TEXT_END]

Example:
[QUERY] What is Lego?
[TEXT_START] Lego is a popular construction toy made up of interlocking plastic bricks that allow for endless creativity. It was invented in Denmark in 1932 and has since become a global phenomenon. [TEXT_END]

Expected output:
[ANSWER] **Lego is a popular construction toy made up of interlocking plastic bricks** that allow for endless creativity. It was invented in Denmark in 1932 and has since become a global phenomenon.`

	answerPrefix = regexp.MustCompile(`^\[ANSWER\]\s*`)
)

// RelevanceMarker asks an LLM to highlight the relevant passages of every
// document with **bold** markers. Answers that alter the text are rejected.
type RelevanceMarker struct {
	llm    oracle.LLM
	Model  string
	Input  string
	Output string
	Query  string
}

// Transform implements pipeline.Step.
func (r *RelevanceMarker) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if err := s.RequireColumn(r.Input); err != nil {
		return err
	}
	query := r.Query
	if query == "" {
		query = s.Query
	}
	h.Log("Highlighting relevant text passages")

	n := s.Table.Len()
	out := make([]any, n)
	h.UpdateProgress(0, n)
	for i := 0; i < n; i++ {
		if h.ShouldCancel() {
			h.Logf("cancelled after %d of %d rows", i, n)
			break
		}
		text := s.Table.Text(i, r.Input)
		key := pipeline.CacheKey(r.Model+query, text)
		if cached, ok := h.GetCache(ctx, key); ok {
			out[i] = cached
			h.IncrementProgress()
			continue
		}

		marked, err := r.mark(ctx, query, text, h)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		h.PutCache(ctx, key, marked)
		out[i] = marked
		h.IncrementProgress()
	}

	if err := s.Table.SetColumn(r.Output, out); err != nil {
		return err
	}
	s.Registry.SetRole(r.Output, pipeline.RoleText)
	s.Snapshot()
	return nil
}

// mark highlights one text. After a rejected answer the LLM is asked for an
// extra rule that is prepended to the next attempt. The original text is
// returned once the tries are used up.
func (r *RelevanceMarker) mark(ctx context.Context, query, text string, h *pipeline.Handler) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	base := fmt.Sprintf("[QUERY] %s\n[TEXT_START] %s [TEXT_END]\n\n", query, text)
	prompt := base
	for try := 1; try <= maxMarkingTries; try++ {
		answer, err := r.llm.Generate(ctx, oracle.Request{Model: r.Model, System: markingSystemPrompt, Prompt: prompt})
		if err != nil {
			return "", fmt.Errorf("highlighting: %w", err)
		}
		if marked, ok := ValidateMarking(answer, text); ok {
			return marked, nil
		}
		if try == maxMarkingTries {
			break
		}

		rule, err := r.llm.Generate(ctx, oracle.Request{Model: r.Model, System: problemSystemPrompt, Prompt: rulePrompt(query, text, answer)})
		if err != nil {
			return "", fmt.Errorf("requesting additional rule: %w", err)
		}
		rule = strings.TrimSpace(rule)
		h.Log("Additional rule created: " + rule)
		prompt = "Additional rule for the ruleset: -) " + rule + "\n\n" + base
	}

	h.Warn(pipeline.Warning{
		Kind:    pipeline.WarnUnparseableAnswer,
		Message: fmt.Sprintf("no valid highlighting after %d tries, the original text is kept", maxMarkingTries),
	})
	return text, nil
}

func rulePrompt(query, text, answer string) string {
	return fmt.Sprintf("The following answer does not comply with the ruleset. First, I will provide you with the rules, which are enclosed between [RULES_START] and [RULES_END].\n"+
		"Then, you will see a query, an input text, and the corresponding answer that violated the rules.\n"+
		"Your task: In **one sentence**, write a **new rule or clarification** that could be added to the ruleset to help prevent this type of error in future prompts of the same kind.\n"+
		"[RULES_START] %s [RULES_END]\n[QUERY]: %s\n[TEXT_START]: %s [TEXT_END]\n[ANSWER]: %s\n",
		markingRules, query, text, answer)
}

// ValidateMarking accepts answers that start with [ANSWER] and stay close to
// the input text. It returns the answer without the prefix.
func ValidateMarking(answer, text string) (string, bool) {
	if !strings.HasPrefix(answer, "[ANSWER]") {
		return "", false
	}
	if QuickRatio(answer, "[ANSWER] "+text) < markingSimilarity {
		return "", false
	}
	return answerPrefix.ReplaceAllString(answer, ""), true
}

// QuickRatio is an upper bound on the similarity of a and b: twice the size
// of their rune multiset intersection over their combined length.
func QuickRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra)+len(rb) == 0 {
		return 1
	}
	avail := make(map[rune]int, len(rb))
	for _, r := range rb {
		avail[r]++
	}
	matches := 0
	for _, r := range ra {
		if avail[r] > 0 {
			avail[r]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(ra)+len(rb))
}
