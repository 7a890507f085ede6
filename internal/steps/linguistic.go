package steps

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bbalet/stopwords"
	"github.com/blevesearch/snowballstem"
	"github.com/blevesearch/snowballstem/english"
	"github.com/blevesearch/snowballstem/french"
	"github.com/blevesearch/snowballstem/german"
	"github.com/blevesearch/snowballstem/italian"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

const defaultLanguageColumn = "language"

// Language is a supported ISO 639-3 language.
type Language struct {
	Code     string
	Name     string
	isoShort string
	stem     func(*snowballstem.Env) bool
}

var languages = map[string]Language{
	"eng": {Code: "eng", Name: "english", isoShort: "en", stem: english.Stem},
	"deu": {Code: "deu", Name: "german", isoShort: "de", stem: german.Stem},
	"fra": {Code: "fra", Name: "french", isoShort: "fr", stem: french.Stem},
	"ita": {Code: "ita", Name: "italian", isoShort: "it", stem: italian.Stem},
}

// LookupLanguage resolves an ISO 639-3 code.
func LookupLanguage(code string) (Language, bool) {
	l, ok := languages[strings.ToLower(strings.TrimSpace(code))]
	return l, ok
}

var wordToken = regexp.MustCompile(`[\p{L}\p{N}]+|[^\s\p{L}\p{N}]`)

// Stem reduces every word of text to its stem. Punctuation becomes separate
// tokens.
func (l Language) Stem(text string) string {
	tokens := wordToken.FindAllString(text, -1)
	for i, tok := range tokens {
		env := snowballstem.NewEnv(strings.ToLower(tok))
		l.stem(env)
		tokens[i] = strings.TrimSpace(env.Current())
	}
	return strings.Join(tokens, " ")
}

// RemoveStopwords drops the language's stop words from text. The result is
// lower-cased with single spaces between words.
func (l Language) RemoveStopwords(text string) string {
	return strings.Join(strings.Fields(stopwords.CleanString(text, l.isoShort, false)), " ")
}

func registerLinguistic(c *pipeline.Catalog, textColumns []string) {
	params := func(action string) map[string]pipeline.Parameter {
		return map[string]pipeline.Parameter{
			"input_column":    inputColumn(action+" is performed on this column.", cleanedText, textColumns...),
			"output_column":   outputColumn("The pre-processed text is stored in this column.", cleanedText, cleanedText, fullTextColumn),
			"language_column": dropdown("Language column", "Column holding the ISO 639-3 language code of each document.", defaultLanguageColumn, defaultLanguageColumn),
		}
	}
	factory := func(task string, apply func(Language, string) string) pipeline.Factory {
		return func(p pipeline.Params) (pipeline.Step, error) {
			return &LanguageStep{
				Input:          p.String("input_column", cleanedText),
				Output:         p.String("output_column", cleanedText),
				LanguageColumn: p.String("language_column", defaultLanguageColumn),
				task:           task,
				apply:          apply,
			}, nil
		}
	}

	c.MustRegister(pipeline.Info{
		ID:          "stopword_removal",
		Name:        "Stopword Remover",
		Category:    CategoryPreProcessing,
		Description: "Remove stop words from a column. Supported languages: English, German, French, Italian.",
		Parameters:  params("Stopword removal"),
	}, factory("stopword removal", Language.RemoveStopwords))

	c.MustRegister(pipeline.Info{
		ID:          "text_stemmer",
		Name:        "Text Stemmer",
		Category:    CategoryPreProcessing,
		Description: "Reduce the words of a column to their stems. Supported languages: English, German, French, Italian.",
		Parameters:  params("Stemming"),
	}, factory("text stemming", Language.Stem))
}

// LanguageStep applies a language dependent transform to every row. Rows in
// unsupported languages pass through unchanged and are reported in a single
// warning.
type LanguageStep struct {
	Input          string
	Output         string
	LanguageColumn string

	task  string
	apply func(Language, string) string
}

// Transform implements pipeline.Step.
func (l *LanguageStep) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if err := s.RequireColumn(l.Input); err != nil {
		return err
	}
	hasLanguage := s.Table.HasColumn(l.LanguageColumn)

	n := s.Table.Len()
	out := make([]any, n)
	unsupported := make(map[string]bool)

	h.UpdateProgress(0, n)
	for i := 0; i < n; i++ {
		if h.ShouldCancel() {
			h.Logf("cancelled after %d of %d rows", i, n)
			break
		}
		text := s.Table.Text(i, l.Input)
		code := ""
		if hasLanguage {
			code = s.Table.Text(i, l.LanguageColumn)
		}

		lang, supported := LookupLanguage(code)
		if !supported {
			unsupported[code] = true
			out[i] = text
			h.IncrementProgress()
			continue
		}

		key := pipeline.CacheKey(ruleBased, lang.Code+"\x00"+text)
		result, ok := h.GetCache(ctx, key)
		if !ok {
			result = l.apply(lang, text)
			h.PutCache(ctx, key, result)
		}
		out[i] = result
		h.IncrementProgress()
	}

	if len(unsupported) > 0 {
		codes := make([]string, 0, len(unsupported))
		for code := range unsupported {
			if code == "" {
				code = "<none>"
			}
			codes = append(codes, code)
		}
		sort.Strings(codes)
		h.Warn(pipeline.Warning{
			Kind:    pipeline.WarnUnsupportedLanguage,
			Message: fmt.Sprintf("Languages: %s are not supported for %s.", strings.Join(codes, ", "), l.task),
		})
	}

	if err := s.Table.SetColumn(l.Output, out); err != nil {
		return err
	}
	s.Registry.SetRole(l.Output, pipeline.RoleText)
	s.Snapshot()
	return nil
}
