package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/vector"
	"github.com/ragadmin/backend/pkg/logger"
)

// Client implements vector.Store on a single Milvus collection, with one
// partition per namespace. Chunk metadata rides in a JSON field so the
// schema discoverer can sample arbitrary shapes.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) EnsureCollection(ctx context.Context) error {
	has, err := c.client.HasCollection(ctx, c.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", c.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: c.collectionName,
		Description:    "Organization document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", c.vectorDim),
				},
			},
			{
				Name:     "metadata",
				DataType: entity.FieldTypeJSON,
			},
		},
	}

	err = c.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	err = c.client.CreateIndex(ctx, c.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = c.client.LoadCollection(ctx, c.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", c.collectionName))

	return nil
}

func (c *Client) ensurePartition(ctx context.Context, namespace string) (string, error) {
	name := partitionName(namespace)

	has, err := c.client.HasPartition(ctx, c.collectionName, name)
	if err != nil {
		return "", fmt.Errorf("failed to check partition: %w", err)
	}
	if !has {
		if err := c.client.CreatePartition(ctx, c.collectionName, name); err != nil {
			return "", fmt.Errorf("failed to create partition: %w", err)
		}
	}

	return name, nil
}

func (c *Client) Upsert(ctx context.Context, namespace string, vectors []vector.Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	partition, err := c.ensurePartition(ctx, namespace)
	if err != nil {
		return err
	}

	chunkIDs := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	metadatas := make([][]byte, len(vectors))

	for i, v := range vectors {
		chunkIDs[i] = v.ID
		embeddings[i] = v.Embedding

		data, err := json.Marshal(v.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", v.ID, err)
		}
		metadatas[i] = data
	}

	_, err = c.client.Insert(
		ctx,
		c.collectionName,
		partition,
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", c.vectorDim, embeddings),
		entity.NewColumnJSONBytes("metadata", metadatas),
	)
	if err != nil {
		return fmt.Errorf("failed to insert vectors: %w", err)
	}

	err = c.client.Flush(ctx, c.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Vectors upserted",
		zap.String("namespace", namespace),
		zap.Int("count", len(vectors)),
	)

	return nil
}

func (c *Client) Query(ctx context.Context, namespace string, embedding []float32, params vector.QueryParams) ([]vector.Match, error) {
	expr := buildFilterExpr(params.Filters)

	topK := params.TopK
	if topK <= 0 {
		topK = 10
	}

	outputFields := []string{"chunk_id"}
	if params.IncludeMetadata {
		outputFields = append(outputFields, "metadata")
	}

	if len(embedding) == 0 {
		return c.queryByFilters(ctx, namespace, expr, outputFields, topK)
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := c.client.Search(
		ctx,
		c.collectionName,
		[]string{partitionName(namespace)},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	matches := make([]vector.Match, 0)
	for _, sr := range searchResult {
		idCol, _ := sr.Fields.GetColumn("chunk_id").(*entity.ColumnVarChar)
		metaCol, _ := sr.Fields.GetColumn("metadata").(*entity.ColumnJSONBytes)

		for i := 0; i < sr.ResultCount; i++ {
			match := vector.Match{Score: sr.Scores[i]}

			if idCol != nil {
				id, err := idCol.ValueByIdx(i)
				if err == nil {
					match.ID = id
				}
			}

			if metaCol != nil {
				raw, err := metaCol.ValueByIdx(i)
				if err == nil {
					var metadata map[string]interface{}
					if err := json.Unmarshal(raw, &metadata); err != nil {
						logger.Warn("Failed to decode chunk metadata",
							zap.String("chunk_id", match.ID),
							zap.Error(err),
						)
					} else {
						match.Metadata = metadata
					}
				}
			}

			matches = append(matches, match)
		}
	}

	logger.Debug("Vector search completed",
		zap.String("namespace", namespace),
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
		zap.String("filter", expr),
	)

	return matches, nil
}

// queryByFilters is the filter-only scan behind a nil-embedding Query:
// a scalar expression query with no vector ranking.
func (c *Client) queryByFilters(ctx context.Context, namespace, expr string, outputFields []string, limit int) ([]vector.Match, error) {
	if expr == "" {
		expr = `chunk_id != ""`
	}

	resultSet, err := c.client.Query(
		ctx,
		c.collectionName,
		[]string{partitionName(namespace)},
		expr,
		outputFields,
		client.WithLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query by filters: %w", err)
	}

	var idCol *entity.ColumnVarChar
	var metaCol *entity.ColumnJSONBytes
	for _, col := range resultSet {
		switch col.Name() {
		case "chunk_id":
			idCol, _ = col.(*entity.ColumnVarChar)
		case "metadata":
			metaCol, _ = col.(*entity.ColumnJSONBytes)
		}
	}
	if idCol == nil {
		return nil, nil
	}

	matches := make([]vector.Match, 0, idCol.Len())
	for i := 0; i < idCol.Len(); i++ {
		match := vector.Match{Score: 1.0}

		if id, err := idCol.ValueByIdx(i); err == nil {
			match.ID = id
		}
		if metaCol != nil {
			if raw, err := metaCol.ValueByIdx(i); err == nil {
				var metadata map[string]interface{}
				if err := json.Unmarshal(raw, &metadata); err != nil {
					logger.Warn("Failed to decode chunk metadata",
						zap.String("chunk_id", match.ID),
						zap.Error(err),
					)
				} else {
					match.Metadata = metadata
				}
			}
		}

		matches = append(matches, match)
	}

	logger.Debug("Filter scan completed",
		zap.String("namespace", namespace),
		zap.Int("results", len(matches)),
		zap.String("filter", expr),
	)

	return matches, nil
}

func (c *Client) NamespaceStats(ctx context.Context, namespace string) (vector.Stats, error) {
	name := partitionName(namespace)

	has, err := c.client.HasPartition(ctx, c.collectionName, name)
	if err != nil {
		return vector.Stats{}, fmt.Errorf("failed to check partition: %w", err)
	}
	if !has {
		return vector.Stats{}, nil
	}

	rs, err := c.client.Query(ctx, c.collectionName, []string{name}, "", []string{"count(*)"})
	if err != nil {
		return vector.Stats{}, fmt.Errorf("failed to count namespace vectors: %w", err)
	}

	for _, col := range rs {
		if intCol, ok := col.(*entity.ColumnInt64); ok && intCol.Len() > 0 {
			return vector.Stats{VectorCount: intCol.Data()[0]}, nil
		}
	}

	return vector.Stats{}, nil
}

func (c *Client) DeleteNamespace(ctx context.Context, namespace string) error {
	name := partitionName(namespace)

	has, err := c.client.HasPartition(ctx, c.collectionName, name)
	if err != nil {
		return fmt.Errorf("failed to check partition: %w", err)
	}
	if !has {
		return nil
	}

	if err := c.client.ReleasePartitions(ctx, c.collectionName, []string{name}); err != nil {
		logger.Warn("Failed to release partition before drop", zap.Error(err))
	}

	if err := c.client.DropPartition(ctx, c.collectionName, name); err != nil {
		return fmt.Errorf("failed to drop partition: %w", err)
	}

	logger.Info("Namespace deleted", zap.String("namespace", namespace))
	return nil
}

// Milvus partition names allow letters, digits and underscores only.
func partitionName(namespace string) string {
	var b strings.Builder
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return "ns_" + b.String()
}

func buildFilterExpr(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}

	parts := make([]string, 0, len(filters))
	for _, key := range sortedKeys(filters) {
		value := filters[key]
		if value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`metadata["%s"] == "%s"`, key, value))
	}

	return strings.Join(parts, " && ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
