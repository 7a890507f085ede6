package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/sanitize"
)

var qdrantTracer = otel.Tracer("rankpipe.retrieval.qdrant")

const (
	qdrantMaxRetries     = 3
	qdrantRetryBackoff   = 500 * time.Millisecond
	qdrantMaxMessageSize = 50 * 1024 * 1024
)

// Qdrant searches a Qdrant collection over gRPC. Document text is stored in
// the "content" payload field and the caller's id in "id".
type Qdrant struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	backoff    time.Duration
}

// NewQdrant creates a client for cfg. The connection is established lazily;
// use HealthCheck to probe it.
func NewQdrant(cfg config.QdrantConfig, embedder Embedder) (*Qdrant, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: qdrant host required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid qdrant port: %d", ErrInvalidConfig, cfg.Port)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey.Value(),
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(qdrantMaxMessageSize),
				grpc.MaxCallSendMsgSize(qdrantMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	return &Qdrant{client: client, embedder: embedder, collection: sanitize.Identifier(cfg.Collection), backoff: qdrantRetryBackoff}, nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

// HealthCheck probes the server.
func (q *Qdrant) HealthCheck(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.HealthCheck")
	defer span.End()
	if _, err := q.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// IsTransientError reports whether err is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// retry runs op with exponential backoff while it fails transiently.
func (q *Qdrant) retry(ctx context.Context, name string, op func() error) error {
	backoff := q.backoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}
		if attempt == qdrantMaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, qdrantMaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// Add upserts hits into the collection.
func (q *Qdrant) Add(ctx context.Context, hits []Hit) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(hits)), attribute.String("collection", q.collection))

	if len(hits) == 0 {
		return nil
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Content
	}
	vectors, err := q.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(hits) {
		return fmt.Errorf("%w: got %d vectors for %d documents", ErrEmbeddingFailed, len(vectors), len(hits))
	}

	points := make([]*qdrant.PointStruct, len(hits))
	for i, h := range hits {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(h.ID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: payloadFromHit(h),
		}
	}

	err = q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", q.collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search implements Searcher.
func (q *Qdrant) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.collection), attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, err := q.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var points []*qdrant.ScoredPoint
	err = q.retry(ctx, "search", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", q.collection, err)
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = hitFromPoint(p)
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// pointID reuses id when it is a UUID and derives a stable one otherwise.
// The caller's id is kept in the payload.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	if id == "" {
		return qdrant.NewIDUUID(uuid.New().String())
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String())
}

func payloadFromHit(h Hit) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(h.Metadata)+2)
	for k, v := range h.Metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		}
	}
	payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: h.Content}}
	payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: h.ID}}
	return payload
}

func hitFromPoint(p *qdrant.ScoredPoint) Hit {
	h := Hit{Score: float64(p.GetScore()), Metadata: make(map[string]any)}
	for k, v := range p.GetPayload() {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case "content":
				h.Content = val.StringValue
				continue
			case "id":
				h.ID = val.StringValue
				continue
			}
			h.Metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			h.Metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			h.Metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			h.Metadata[k] = val.BoolValue
		}
	}
	if h.ID == "" && p.GetId() != nil {
		h.ID = p.GetId().GetUuid()
	}
	return h
}

var _ Searcher = (*Qdrant)(nil)
