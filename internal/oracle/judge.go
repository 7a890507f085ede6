package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxAttempts caps the oracle calls spent on one judgment.
const MaxAttempts = 10

const (
	pairwiseSystemPrompt = "Your task is to determine which of two texts is more relevant to a given query."
	pairwiseRetryProlog  = "Please only answer either [1] if the first one is more relevant or [2] if the second one is more relevant. If none of the two is relevant, answer [1]!"
	groupRetryProlog     = "Please only answer with the most relevant text id in brackets ([ID]). If none of the texts is relevant to the query, answer [0]!"
)

var (
	pairwiseAnswer = regexp.MustCompile(`^\[(1|2)\]`)
	groupAnswer    = regexp.MustCompile(`^\[(\d+)\]`)
)

// PairwiseJudge asks an LLM which of two texts better answers a query.
type PairwiseJudge struct {
	llm   LLM
	model string
}

// NewPairwiseJudge returns a judge bound to model.
func NewPairwiseJudge(llm LLM, model string) (*PairwiseJudge, error) {
	if !llm.Supports(model) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	return &PairwiseJudge{llm: llm, model: model}, nil
}

// PairwisePrompt renders the comparison prompt.
func PairwisePrompt(a, b, query string) string {
	return fmt.Sprintf("Here are two texts, each marked with a [1] or [2] at the beginning. "+
		"Which of the two following texts is more relevant to the Query:'%s'. "+
		"Only answer '[1]' if the first text is more relevant or '[2]' if the second one is more relevant!"+
		"\n\n[1]: %s \n\n[2]: %s", query, a, b)
}

// Compare implements Comparer. Malformed answers are retried with a stricter
// prolog; after MaxAttempts the first text wins.
func (j *PairwiseJudge) Compare(ctx context.Context, a, b, query string) (Verdict, error) {
	prompt := PairwisePrompt(a, b, query)
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		answer, err := j.llm.Generate(ctx, Request{Model: j.model, System: pairwiseSystemPrompt, Prompt: prompt})
		if err != nil {
			return Verdict{Attempts: attempt}, err
		}
		if m := pairwiseAnswer.FindStringSubmatch(strings.TrimSpace(answer)); m != nil {
			choice, _ := strconv.Atoi(m[1])
			return Verdict{Choice: choice, Attempts: attempt}, nil
		}
		prompt = pairwiseRetryProlog + prompt
	}
	return Verdict{Choice: 1, Attempts: MaxAttempts, Defaulted: true}, nil
}

// GroupJudge asks an LLM for the most relevant of k texts.
type GroupJudge struct {
	llm   LLM
	model string
}

// NewGroupJudge returns a judge bound to model.
func NewGroupJudge(llm LLM, model string) (*GroupJudge, error) {
	if !llm.Supports(model) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	return &GroupJudge{llm: llm, model: model}, nil
}

// GroupSystemPrompt renders the system prompt for a window of k texts.
func GroupSystemPrompt(k int) string {
	return fmt.Sprintf("Your task is to determine which of %d texts is more relevant to a given query."+
		"Please only answer with the most relevant text id in brackets ([ID]). "+
		"If none of the texts is relevant to the query, answer [0]!", k)
}

// GroupPrompt renders the comparison prompt for texts.
func GroupPrompt(texts []string, query string) string {
	k := len(texts)
	var listing, body strings.Builder
	for i, text := range texts {
		if i > 0 {
			listing.WriteString(" or ")
		}
		fmt.Fprintf(&listing, "[%d]", i+1)
		fmt.Fprintf(&body, "\n\n[%d]: %s", i+1, text)
	}
	return fmt.Sprintf("Here are %d texts, each marked with a %s at the beginning. "+
		"Which of the %d following texts is more relevant to the Query:'%s'. "+
		"Only answer with the most relevant text ID in brackets!%s",
		k, listing.String(), k, query, body.String())
}

// Pick implements Picker. Choice 0 means the oracle found none relevant;
// exhausting MaxAttempts also yields 0.
func (j *GroupJudge) Pick(ctx context.Context, texts []string, query string) (Verdict, error) {
	system := GroupSystemPrompt(len(texts))
	prompt := GroupPrompt(texts, query)
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		answer, err := j.llm.Generate(ctx, Request{Model: j.model, System: system, Prompt: prompt})
		if err != nil {
			return Verdict{Attempts: attempt}, err
		}
		if m := groupAnswer.FindStringSubmatch(strings.TrimSpace(answer)); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= len(texts) {
				return Verdict{Choice: n, Attempts: attempt}, nil
			}
		}
		prompt = groupRetryProlog + prompt
	}
	return Verdict{Choice: 0, Attempts: MaxAttempts, Defaulted: true}, nil
}

var (
	_ Comparer = (*PairwiseJudge)(nil)
	_ Picker   = (*GroupJudge)(nil)
)
