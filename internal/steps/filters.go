package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// FilterMode combines the labels of a curlie filter.
type FilterMode string

const (
	// FilterAny keeps documents holding at least one label.
	FilterAny FilterMode = "OR"
	// FilterAll keeps documents holding every label.
	FilterAll FilterMode = "AND"
	// FilterNone keeps documents holding none of the labels.
	FilterNone FilterMode = "NOT"
)

const defaultCurlieColumn = "curlielabels_en"

func registerFilters(c *pipeline.Catalog) {
	c.MustRegister(pipeline.Info{
		ID:          "curlie_filter",
		Name:        "Curlie label filter",
		Category:    CategoryPreProcessing,
		Description: "Filter documents by the presence (OR, AND) or absence (NOT) of Curlie labels given as a comma separated list.",
		Parameters: map[string]pipeline.Parameter{
			"curlie_column": dropdown("Curlie column", "Column containing the curlie labels.", defaultCurlieColumn, defaultCurlieColumn),
			"filter_by":     dropdown("Labels", "A comma separated list of labels to filter by.", "Arts", "Arts", "Science", "Arts, Science", "Recreation", "Health", "Arts/Movies"),
			"filter_mode":   dropdown("Filter mode", "AND: all labels present, OR: any label present, NOT: no label present.", string(FilterAny), string(FilterAll), string(FilterAny), string(FilterNone)),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		mode := FilterMode(strings.ToUpper(strings.TrimSpace(p.String("filter_mode", string(FilterAny)))))
		switch mode {
		case FilterAny, FilterAll, FilterNone:
		default:
			return nil, pipeline.InvalidParameter("filter_mode", string(mode))
		}
		return &CurlieFilter{
			Column: p.String("curlie_column", defaultCurlieColumn),
			Labels: splitLabels(p.String("filter_by", "")),
			Mode:   mode,
		}, nil
	})

	coordinate := func(title string) pipeline.Parameter {
		return param(title, "Decimal degrees, for example 47.07.", "string", "")
	}
	c.MustRegister(pipeline.Info{
		ID:          "geo_filter",
		Name:        "Geo Data Filtering",
		Category:    CategoryPreProcessing,
		Description: "Keep only the documents whose coordinates lie inside the rectangle spanned by two points.",
		Parameters: map[string]pipeline.Parameter{
			"latitude_value_p1":     coordinate("Latitude of point 1"),
			"longitude_value_p1":    coordinate("Longitude of point 1"),
			"latitude_value_p2":     coordinate("Latitude of point 2"),
			"longitude_value_p2":    coordinate("Longitude of point 2"),
			"latitude_column_name":  param("Latitude column", "Column containing the latitude of each document.", "string", "latitude", "latitude"),
			"longitude_column_name": param("Longitude column", "Column containing the longitude of each document.", "string", "longitude", "longitude"),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		g := &GeoFilter{
			LatitudeColumn:  p.String("latitude_column_name", "latitude"),
			LongitudeColumn: p.String("longitude_column_name", "longitude"),
		}
		g.Lat1 = g.coordinate(p, "latitude_value_p1", "Latitude Point 1")
		g.Lon1 = g.coordinate(p, "longitude_value_p1", "Longitude Point 1")
		g.Lat2 = g.coordinate(p, "latitude_value_p2", "Latitude Point 2")
		g.Lon2 = g.coordinate(p, "longitude_value_p2", "Longitude Point 2")
		return g, nil
	})
}

func splitLabels(raw string) []string {
	var labels []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// CurlieFilter keeps documents according to their Curlie labels.
type CurlieFilter struct {
	Column string
	Labels []string
	Mode   FilterMode
}

// Transform implements pipeline.Step. An empty label list keeps everything.
func (f *CurlieFilter) Transform(_ context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if err := s.RequireColumn(f.Column); err != nil {
		return err
	}
	if len(f.Labels) == 0 {
		h.Log("No labels given, all documents are kept.")
		return nil
	}

	n := s.Table.Len()
	keep := make([]bool, n)
	h.UpdateProgress(0, n)
	for i := 0; i < n; i++ {
		if h.ShouldCancel() {
			h.Logf("cancelled after %d of %d rows, remaining rows are dropped", i, n)
			break
		}
		keep[i] = f.matches(labelSet(s.Table.Value(i, f.Column)))
		h.IncrementProgress()
	}
	if err := s.Table.Filter(keep); err != nil {
		return err
	}
	h.Logf("%d of %d documents kept", s.Table.Len(), n)
	s.Snapshot()
	return nil
}

func (f *CurlieFilter) matches(doc map[string]bool) bool {
	switch f.Mode {
	case FilterAll:
		for _, l := range f.Labels {
			if !doc[l] {
				return false
			}
		}
		return true
	case FilterNone:
		for _, l := range f.Labels {
			if doc[l] {
				return false
			}
		}
		return true
	default:
		for _, l := range f.Labels {
			if doc[l] {
				return true
			}
		}
		return false
	}
}

// labelSet reads a label cell: a list of strings or a comma separated
// string.
func labelSet(v any) map[string]bool {
	set := make(map[string]bool)
	switch x := v.(type) {
	case []string:
		for _, l := range x {
			set[strings.TrimSpace(l)] = true
		}
	case []any:
		for _, l := range x {
			set[strings.TrimSpace(pipeline.Stringify(l))] = true
		}
	case string:
		for _, l := range splitLabels(x) {
			set[l] = true
		}
	}
	return set
}

// GeoFilter keeps documents inside the bounding box of two points. Missing
// coordinates read as 0.0.
type GeoFilter struct {
	Lat1, Lon1, Lat2, Lon2 float64
	LatitudeColumn         string
	LongitudeColumn        string

	invalid []string
}

func (g *GeoFilter) coordinate(p pipeline.Params, key, name string) float64 {
	raw := strings.TrimSpace(p.String(key, ""))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		g.invalid = append(g.invalid, name)
		return 0
	}
	return f
}

// Transform implements pipeline.Step.
func (g *GeoFilter) Transform(_ context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if len(g.invalid) > 0 {
		h.Logf("The following fields have invalid values: %s. The fields should only contain a decimal number. For all invalid fields the default value of 0.0 is used.",
			strings.Join(g.invalid, ", "))
	}
	for _, col := range []string{g.LatitudeColumn, g.LongitudeColumn} {
		if !s.Table.HasColumn(col) {
			h.Logf("The column %s does not exist in the document table.", col)
			return pipeline.InvalidColumn(col)
		}
	}

	latLo, latHi := min(g.Lat1, g.Lat2), max(g.Lat1, g.Lat2)
	lonLo, lonHi := min(g.Lon1, g.Lon2), max(g.Lon1, g.Lon2)

	n := s.Table.Len()
	keep := make([]bool, n)
	h.UpdateProgress(0, n)
	for i := 0; i < n; i++ {
		if h.ShouldCancel() {
			h.Logf("cancelled after %d of %d rows, remaining rows are dropped", i, n)
			break
		}
		lat, _ := pipeline.ToFloat(s.Table.Value(i, g.LatitudeColumn))
		lon, _ := pipeline.ToFloat(s.Table.Value(i, g.LongitudeColumn))
		keep[i] = lat >= latLo && lat <= latHi && lon >= lonLo && lon <= lonHi
		h.IncrementProgress()
	}
	if err := s.Table.Filter(keep); err != nil {
		return fmt.Errorf("geo filter: %w", err)
	}
	s.Snapshot()
	return nil
}
