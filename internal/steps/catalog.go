// Package steps implements the pipeline step types and registers them in a
// catalog.
//
// Steps fall into five categories: data sources that load the document
// table, pre-processing steps that clean or filter it, metadata analysis
// steps that derive per-document columns, summarizers, and rerankers that
// produce a new current ranking.
//
// Every step is constructed from string-typed parameters by a Factory. Unknown
// models and malformed parameters are rejected at construction time so a
// pipeline fails before any work is done.
package steps

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/retrieval"
)

// Step categories shown to clients.
const (
	CategoryDataSources      = "Data Sources"
	CategoryPreProcessing    = "Pre-Processing"
	CategoryMetadataAnalysis = "Metadata Analysis"
	CategorySummarizers      = "Summarizers"
	CategoryRerankers        = "Rerankers"
)

// ErrBackendUnavailable is returned when a step needs a backend that was not
// configured (no LLM, no embedding endpoint or no vector store).
var ErrBackendUnavailable = errors.New("backend not configured")

// Deps are the shared services step factories draw from. Any field may be
// nil; steps needing a missing service fail to build.
type Deps struct {
	LLM        oracle.LLM
	Models     []string
	Embeddings *oracle.EmbedderFactory
	Retrieval  config.RetrievalConfig
	Chromem    retrieval.Searcher
	Qdrant     retrieval.Searcher
	Logger     *logging.Logger
}

// defaultModel returns the first configured LLM model.
func (d Deps) defaultModel() string {
	if len(d.Models) == 0 {
		return ""
	}
	return d.Models[0]
}

// llm returns the LLM for model or a configuration error.
func (d Deps) llm(step, model string) (oracle.LLM, error) {
	if d.LLM == nil {
		return nil, fmt.Errorf("%s: llm: %w", step, ErrBackendUnavailable)
	}
	if !d.LLM.Supports(model) {
		return nil, pipeline.UnknownModel(step, model)
	}
	return d.LLM, nil
}

// NewCatalog returns a catalog holding every step type.
func NewCatalog(deps Deps) *pipeline.Catalog {
	c := pipeline.NewCatalog()
	registerDataSources(c, deps)
	registerPreProcessing(c, deps)
	registerMetadataAnalysis(c, deps)
	registerSummarizers(c, deps)
	registerRerankers(c, deps)
	return c
}

func param(title, description, typ string, def any, values ...string) pipeline.Parameter {
	return pipeline.Parameter{
		Title:           title,
		Description:     description,
		Type:            typ,
		Default:         def,
		SupportedValues: values,
	}
}

func dropdown(title, description string, def any, values ...string) pipeline.Parameter {
	return param(title, description, "dropdown", def, values...)
}

func inputColumn(description, def string, values ...string) pipeline.Parameter {
	p := dropdown("Input column name", description, def, values...)
	p.Required = true
	return p
}

func outputColumn(description, def string, values ...string) pipeline.Parameter {
	p := dropdown("Output column name", description, def, values...)
	p.Required = true
	return p
}

func modelParam(description string, deps Deps) pipeline.Parameter {
	p := dropdown("LLM model", description, deps.defaultModel(), deps.Models...)
	p.EnforceLimit = true
	return p
}
