package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

const (
	defaultSummarizePrompt = "Summarize the following text. Just write out the summary, noting more: "

	// resultsSeparator joins the query and the documents in the results
	// summary prompt.
	resultsSeparator = "<SEP>"

	resultsSystemPrompt = `You are a search engine assistant. You will receive a Query and several Documents separated by <SEP>.
CONSTRAINTS:
1. OBJECTIVE: Synthesize the documents into a single, cohesive answer to the user query.
2. LANGUAGE: The summary MUST be in the same language as the provided documents.
3. NO HALLUCINATION: Use strictly the provided information. If the documents don't contain the answer, state that.
4. FORMATTING: Maximum 5 sentences. No lists or bullet points. Use **Markdown bolding** for key facts.
5. FLOW: Avoid citing documents by name (e.g., "Doc 1 says..."); create a natural, fluid summary.
OUTPUT:
A single, high-density paragraph.
INPUT:
`
)

func registerSummarizers(c *pipeline.Catalog, deps Deps) {
	c.MustRegister(pipeline.Info{
		ID:          "document_summarizer",
		Name:        "Document Summarizer",
		Category:    CategorySummarizers,
		Description: "Summarize the text of every document with an LLM.",
		Parameters: map[string]pipeline.Parameter{
			"model":            modelParam("The LLM used for summarization.", deps),
			"input_column":     inputColumn("Column to summarize.", fullTextColumn, fullTextColumn),
			"output_column":    outputColumn("The summaries are stored in this column.", "summary", "summary"),
			"summarize_prompt": param("Summarize prompt", "Instruction prepended to every document.", "string", defaultSummarizePrompt),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		model := p.String("model", deps.defaultModel())
		llm, err := deps.llm("document_summarizer", model)
		if err != nil {
			return nil, err
		}
		fn := &DocumentSummarizer{llm: llm, Model: model, Prompt: p.String("summarize_prompt", defaultSummarizePrompt)}
		return pipeline.NewRowProcessor(p.String("input_column", fullTextColumn), p.String("output_column", "summary"), fn), nil
	})

	c.MustRegister(pipeline.Info{
		ID:          "results_summarizer",
		Name:        "Results Summarizer",
		Category:    CategorySummarizers,
		Description: "Summarize all documents in the result set into one answer to the query.",
		Parameters: map[string]pipeline.Parameter{
			"model":         modelParam("The LLM used for summarization.", deps),
			"input_column":  inputColumn("Column to summarize.", fullTextColumn, fullTextColumn),
			"output_column": outputColumn("Name under which the summary is stored in the aggregated results.", "Summary", "Summary"),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		model := p.String("model", deps.defaultModel())
		llm, err := deps.llm("results_summarizer", model)
		if err != nil {
			return nil, err
		}
		return &ResultsSummarizer{
			llm:    llm,
			Model:  model,
			Input:  p.String("input_column", fullTextColumn),
			Output: p.String("output_column", "Summary"),
		}, nil
	})
}

// DocumentSummarizer summarizes one document per call.
type DocumentSummarizer struct {
	llm    oracle.LLM
	Model  string
	Prompt string
}

// Fingerprint implements pipeline.RowFunc. Changing the model or the prompt
// invalidates cached summaries.
func (d *DocumentSummarizer) Fingerprint() string {
	return d.Model + d.Prompt
}

// TransformRow implements pipeline.RowFunc.
func (d *DocumentSummarizer) TransformRow(ctx context.Context, text string, _ *pipeline.Handler) (pipeline.RowResult, error) {
	if strings.TrimSpace(text) == "" {
		return pipeline.RowResult{Value: "", Role: pipeline.RoleText}, nil
	}
	summary, err := d.llm.Generate(ctx, oracle.Request{Model: d.Model, Prompt: d.Prompt + text})
	if err != nil {
		return pipeline.RowResult{}, fmt.Errorf("summarizing: %w", err)
	}
	return pipeline.RowResult{Value: strings.TrimSpace(summary), Role: pipeline.RoleText}, nil
}

// ResultsSummarizer writes one query-aware summary of all documents into the
// aggregated results.
type ResultsSummarizer struct {
	llm    oracle.LLM
	Model  string
	Input  string
	Output string
}

// ResultsPrompt renders the user prompt for query and texts.
func ResultsPrompt(query string, texts []string) string {
	return "Query: " + query + resultsSeparator + strings.Join(texts, resultsSeparator)
}

// Transform implements pipeline.Step.
func (r *ResultsSummarizer) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if err := s.RequireColumn(r.Input); err != nil {
		return err
	}
	h.UpdateProgress(0, 1)

	prompt := ResultsPrompt(s.Query, s.Table.TextColumn(r.Input))
	key := pipeline.CacheKey(r.Model+resultsSystemPrompt, prompt)

	summary, hit := h.GetCache(ctx, key)
	if !hit {
		answer, err := r.llm.Generate(ctx, oracle.Request{Model: r.Model, System: resultsSystemPrompt, Prompt: prompt})
		if err != nil {
			return fmt.Errorf("summarizing results: %w", err)
		}
		summary = strings.TrimSpace(answer)
		h.PutCache(ctx, key, summary)
	}

	s.Aggregated[r.Output] = pipeline.Stringify(summary)
	h.IncrementProgress()
	s.Snapshot()
	return nil
}
