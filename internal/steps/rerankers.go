package steps

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/reranker"
)

func registerRerankers(c *pipeline.Catalog, deps Deps) {
	source := func(p pipeline.Params) reranker.Source {
		return reranker.Source{Input: p.String("input_column", fullTextColumn), Query: p.String("query", "")}
	}
	common := func(extra map[string]pipeline.Parameter) map[string]pipeline.Parameter {
		params := map[string]pipeline.Parameter{
			"input_column": inputColumn("Column whose text is compared with the query.", fullTextColumn, fullTextColumn, "summary"),
			"query":        param("Optional query", "A query used instead of the run query for this ranking. Optional.", "string", ""),
		}
		for k, v := range extra {
			params[k] = v
		}
		return params
	}

	var embeddingModels []string
	defaultEmbedding := ""
	if deps.Embeddings != nil {
		embeddingModels = deps.Embeddings.Models()
		if len(embeddingModels) > 0 {
			defaultEmbedding = embeddingModels[0]
		}
	}
	c.MustRegister(pipeline.Info{
		ID:          "embedding_reranker",
		Name:        "Embedding Reranker",
		Category:    CategoryRerankers,
		Description: "Rank documents by the cosine similarity of their embedding to the query embedding.",
		Parameters: common(map[string]pipeline.Parameter{
			"model": dropdown("Embedding model", "The embedding model used to encode query and documents.", defaultEmbedding, embeddingModels...),
		}),
	}, func(p pipeline.Params) (pipeline.Step, error) {
		if deps.Embeddings == nil {
			return nil, fmt.Errorf("embedding_reranker: embeddings: %w", ErrBackendUnavailable)
		}
		model := p.String("model", defaultEmbedding)
		scorer, err := deps.Embeddings.Scorer(model)
		if err != nil {
			if errors.Is(err, oracle.ErrUnsupportedModel) {
				return nil, pipeline.UnknownModel("embedding_reranker", model)
			}
			return nil, fmt.Errorf("embedding_reranker: %w", err)
		}
		return reranker.NewDirect(source(p), scorer), nil
	})

	metrics := make([]string, 0, len(reranker.Metrics))
	for _, m := range reranker.Metrics {
		if m != reranker.BM25 {
			metrics = append(metrics, string(m))
		}
	}
	c.MustRegister(pipeline.Info{
		ID:          "tf_idf_reranker",
		Name:        "TF-IDF Reranker",
		Category:    CategoryRerankers,
		Description: "Rank documents by the similarity of their TF-IDF vector to the query vector.",
		Parameters: common(map[string]pipeline.Parameter{
			"similarity_metric": dropdown("Similarity metric", "How document and query vectors are compared.", string(reranker.Cosine), metrics...),
		}),
	}, func(p pipeline.Params) (pipeline.Step, error) {
		return reranker.NewLexical(source(p), p.String("similarity_metric", string(reranker.Cosine))), nil
	})

	c.MustRegister(pipeline.Info{
		ID:          "bm25_reranker",
		Name:        "BM25 Reranker",
		Category:    CategoryRerankers,
		Description: "Rank documents by their Okapi BM25 score for the query.",
		Parameters:  common(nil),
	}, func(p pipeline.Params) (pipeline.Step, error) {
		return reranker.NewLexical(source(p), string(reranker.BM25)), nil
	})

	c.MustRegister(pipeline.Info{
		ID:          "tournament_reranker",
		Name:        "Tournament-Style LLM Reranker",
		Category:    CategoryRerankers,
		Description: "Rank documents with a single elimination tournament of pairwise LLM comparisons.",
		Parameters: common(map[string]pipeline.Parameter{
			"model": modelParam("The LLM judging each comparison.", deps),
		}),
	}, func(p pipeline.Params) (pipeline.Step, error) {
		model := p.String("model", deps.defaultModel())
		llm, err := deps.llm("tournament_reranker", model)
		if err != nil {
			return nil, err
		}
		judge, err := oracle.NewPairwiseJudge(llm, model)
		if err != nil {
			return nil, pipeline.UnknownModel("tournament_reranker", model)
		}
		return reranker.NewTournament(source(p), judge), nil
	})

	c.MustRegister(pipeline.Info{
		ID:          "group_reranker",
		Name:        "Group-Style LLM Reranker",
		Category:    CategoryRerankers,
		Description: "Rank documents by the points they win when an LLM picks the most relevant document of every group of k.",
		Parameters: common(map[string]pipeline.Parameter{
			"model":       modelParam("The LLM judging each group.", deps),
			"window_size": param("Window size", "The number of documents compared in each group.", "string", "2"),
		}),
	}, func(p pipeline.Params) (pipeline.Step, error) {
		model := p.String("model", deps.defaultModel())
		llm, err := deps.llm("group_reranker", model)
		if err != nil {
			return nil, err
		}
		judge, err := oracle.NewGroupJudge(llm, model)
		if err != nil {
			return nil, pipeline.UnknownModel("group_reranker", model)
		}
		return reranker.NewGroup(source(p), reranker.ParseWindow(p.String("window_size", "2")), judge), nil
	})
}
