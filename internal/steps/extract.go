package steps

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"jaytaylor.com/html2text"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

const (
	ruleBased     = "rule-based"
	filteredText  = "filtered-text"
	cleanedText   = "cleaned-text"
	movingWindow  = 5
	contentFactor = 1.5
)

// navigationTerms mark boilerplate lines such as menus and footers. Matching
// is a case-insensitive substring test.
var navigationTerms = []string{
	"Home", "About", "Services", "Products", "Features", "Pricing", "Contact",
	"Blog", "FAQ", "Help", "Support", "Careers", "Testimonials", "Portfolio",
	"Gallery", "Login", "Register", "Sign Up", "Profile", "Dashboard",
	"Settings", "Logout", "News", "Events", "Shop", "Store", "Resources",
	"Community", "Forum", "Documentation", "Tutorials", "Guides",
	"Case Studies", "Partners", "Team", "Press", "Investors", "API",
	"Developers", "Downloads", "Legal", "Privacy Policy", "Terms of Service",
	"Sitemap", "Search", "Subscribe",
}

// punctuation is the ASCII punctuation set stripped from tokens.
const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

func registerPreProcessing(c *pipeline.Catalog, deps Deps) {
	textColumns := []string{fullTextColumn, "summary", cleanedText}

	rowStep := func(info pipeline.Info, defIn, defOut string, fn func() pipeline.RowFunc) {
		c.MustRegister(info, func(p pipeline.Params) (pipeline.Step, error) {
			return pipeline.NewRowProcessor(p.String("input_column", defIn), p.String("output_column", defOut), fn()), nil
		})
	}

	rowStep(pipeline.Info{
		ID:          "content_extractor",
		Name:        "Content Extractor",
		Category:    CategoryPreProcessing,
		Description: "Convert HTML documents to plain text, dropping markup, scripts and links.",
		Parameters: map[string]pipeline.Parameter{
			"input_column":  inputColumn("Column holding the HTML text.", fullTextColumn, fullTextColumn),
			"output_column": outputColumn("The extracted text is stored in this column.", filteredText, filteredText, fullTextColumn),
		},
	}, fullTextColumn, filteredText, func() pipeline.RowFunc { return ContentExtractor{} })

	rowStep(pipeline.Info{
		ID:          "basic_content_extractor",
		Name:        "Basic Content Extractor",
		Category:    CategoryPreProcessing,
		Description: "Extract the main content of a text using navigation keywords and a moving average of words per line.",
		Parameters: map[string]pipeline.Parameter{
			"input_column":  inputColumn("Column holding the full text.", fullTextColumn, fullTextColumn),
			"output_column": outputColumn("The extracted text is stored in this column.", filteredText, filteredText, fullTextColumn),
		},
	}, fullTextColumn, filteredText, func() pipeline.RowFunc { return BasicContentExtractor{} })

	rowStep(pipeline.Info{
		ID:          "punctuation_removal",
		Name:        "Punctuation Remover",
		Category:    CategoryPreProcessing,
		Description: "Remove punctuation from the text of a column.",
		Parameters: map[string]pipeline.Parameter{
			"input_column":  inputColumn("The pre-processing is performed on this column.", cleanedText, textColumns...),
			"output_column": outputColumn("The cleaned text is stored in this column.", cleanedText, cleanedText, fullTextColumn),
		},
	}, cleanedText, cleanedText, func() pipeline.RowFunc { return PunctuationRemover{} })

	registerLinguistic(c, textColumns)
	registerFilters(c)

	c.MustRegister(pipeline.Info{
		ID:          "reduction",
		Name:        "Result Reduction",
		Category:    CategoryPreProcessing,
		Description: "Keep only the best k documents according to a ranking.",
		Parameters: map[string]pipeline.Parameter{
			"k":              dropdown("Remaining rows", "Number of documents kept.", "10", "5", "10", "50", "100"),
			"ranking_column": dropdown("Ranking column", "The ranking used to select the documents.", pipeline.OriginalRankColumn, pipeline.OriginalRankColumn),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		return &Reduction{
			K:          parseK(p.String("k", strconv.Itoa(defaultReductionK))),
			RankColumn: p.String("ranking_column", pipeline.OriginalRankColumn),
		}, nil
	})
}

// ContentExtractor converts HTML to plain text.
type ContentExtractor struct{}

// Fingerprint implements pipeline.RowFunc.
func (ContentExtractor) Fingerprint() string { return ruleBased }

// TransformRow implements pipeline.RowFunc. Unparseable markup is passed
// through with a warning.
func (ContentExtractor) TransformRow(_ context.Context, text string, h *pipeline.Handler) (pipeline.RowResult, error) {
	if text == "" {
		return pipeline.RowResult{Value: "", Role: pipeline.RoleText}, nil
	}
	plain, err := html2text.FromString(text, html2text.Options{OmitLinks: true})
	if err != nil {
		h.Warn(pipeline.Warning{Kind: pipeline.WarnRowFailure, Message: "content extraction failed: " + err.Error()})
		return pipeline.RowResult{Value: text, Role: pipeline.RoleText}, nil
	}
	return pipeline.RowResult{Value: plain, Role: pipeline.RoleText}, nil
}

// BasicContentExtractor drops navigation lines and keeps the lines whose
// neighbourhood is word-dense compared to the whole document.
type BasicContentExtractor struct{}

// Fingerprint implements pipeline.RowFunc.
func (BasicContentExtractor) Fingerprint() string { return ruleBased }

// TransformRow implements pipeline.RowFunc. When nothing survives the
// original text is returned.
func (BasicContentExtractor) TransformRow(_ context.Context, text string, _ *pipeline.Handler) (pipeline.RowResult, error) {
	return pipeline.RowResult{Value: ExtractMainContent(text), Role: pipeline.RoleText}, nil
}

// ExtractMainContent applies the navigation filter and the moving average
// threshold to text.
func ExtractMainContent(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !isNavigation(line) {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return text
	}

	counts := make([]int, len(lines))
	total := 0
	for i, line := range lines {
		counts[i] = len(strings.Split(line, " "))
		total += counts[i]
	}
	overall := float64(total) / float64(len(lines))

	var kept []string
	for i, avg := range movingAverage(counts, movingWindow) {
		if avg >= overall*contentFactor {
			kept = append(kept, lines[i])
		}
	}
	if len(kept) == 0 {
		return text
	}
	return strings.Join(kept, "\n")
}

func isNavigation(line string) bool {
	lower := strings.ToLower(line)
	for _, term := range navigationTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// movingAverage averages each count with up to window neighbours on either
// side.
func movingAverage(counts []int, window int) []float64 {
	out := make([]float64, len(counts))
	for i := range counts {
		start := max(0, i-window)
		end := min(len(counts), i+window+1)
		sum := 0
		for _, c := range counts[start:end] {
			sum += c
		}
		out[i] = float64(sum) / float64(end-start)
	}
	return out
}

// PunctuationRemover strips ASCII punctuation from every token.
type PunctuationRemover struct{}

// Fingerprint implements pipeline.RowFunc.
func (PunctuationRemover) Fingerprint() string { return ruleBased }

// TransformRow implements pipeline.RowFunc.
func (PunctuationRemover) TransformRow(_ context.Context, text string, _ *pipeline.Handler) (pipeline.RowResult, error) {
	return pipeline.RowResult{Value: RemovePunctuation(text), Role: pipeline.RoleText}, nil
}

// RemovePunctuation removes punctuation from each whitespace separated token
// and joins the non-empty tokens with single spaces.
func RemovePunctuation(text string) string {
	var out []string
	for _, tok := range strings.Fields(text) {
		tok = strings.Map(func(r rune) rune {
			if r < utf8.RuneSelf && strings.ContainsRune(punctuation, r) {
				return -1
			}
			return r
		}, tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return strings.Join(out, " ")
}
