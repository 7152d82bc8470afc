package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
)

const (
	payloadOwnerID    = "owner_id"
	payloadProjectID  = "project_id"
	payloadChunkID    = "chunk_id"
	payloadKind       = "kind"
	payloadSourcePath = "source_path"
	payloadName       = "name"
	payloadContent    = "content"

	scrollPageSize = 256
)

// pointNamespace scopes the deterministic point ids derived from chunk ids.
var pointNamespace = uuid.MustParse("8f7c3b1e-5d2a-4c69-9e0b-6a1f2d3c4b5a")

// QdrantStore implements Store on a Qdrant collection shared by all projects.
// Points carry owner and project ids in their payload and every query filters
// on both. Searches request exact (non-HNSW) scoring; Qdrant does not
// guarantee insertion order among equal scores.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client.
// urlStr should be in the format "http://host:port" (e.g., "http://localhost:6333").
// The gRPC port (typically 6334) will be derived from the HTTP port.
func NewQdrantStore(urlStr, collection string) (*QdrantStore, error) {
	host, port, err := grpcAddress(urlStr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		collection: collection,
	}, nil
}

// grpcAddress derives the gRPC host and port from a Qdrant HTTP URL.
func grpcAddress(urlStr string) (string, int, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 6334 // Default gRPC port
	if parsedURL.Port() != "" {
		httpPort, err := strconv.Atoi(parsedURL.Port())
		if err == nil {
			// gRPC port is typically HTTP port + 1
			port = httpPort + 1
		}
	}
	return host, port, nil
}

// PointID maps a chunk id to a stable Qdrant point id within its project.
func PointID(ownerID, projectID, chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(ownerID+"\x00"+projectID+"\x00"+chunkID)).String()
}

func projectFilter(ownerID, projectID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadOwnerID, ownerID),
			qdrant.NewMatch(payloadProjectID, projectID),
		},
	}
}

// Put stores one chunk.
func (s *QdrantStore) Put(ctx context.Context, ownerID, projectID string, chunk Chunk) error {
	return s.PutBatch(ctx, ownerID, projectID, []Chunk{chunk})
}

// PutBatch upserts chunks as points and waits for the write to apply.
func (s *QdrantStore) PutBatch(ctx context.Context, ownerID, projectID string, chunks []Chunk) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(ownerID, projectID, c.ID)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadOwnerID:    ownerID,
				payloadProjectID:  projectID,
				payloadChunkID:    c.ID,
				payloadKind:       string(c.Kind),
				payloadSourcePath: c.SourcePath,
				payloadName:       c.Name,
				payloadContent:    c.Content,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", s.collection, "count", len(points), "error", err)
		return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to upsert points: %w", err))
	}

	logger.InfoContext(ctx, "upserted points", "collection", s.collection, "project_id", projectID, "count", len(points))
	return nil
}

// Search performs an exact similarity search restricted to the project.
func (s *QdrantStore) Search(ctx context.Context, ownerID, projectID string, query []float32, k int) ([]Match, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateQuery(query, k); err != nil {
		return nil, err
	}

	limit := uint64(k)
	scoredPoints, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         projectFilter(ownerID, projectID),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		Params: &qdrant.SearchParams{
			Exact: qdrant.PtrOf(true),
		},
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to search points", "collection", s.collection, "k", k, "error", err)
		return nil, errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to search points: %w", err))
	}

	results := make([]Match, 0, len(scoredPoints))
	for _, point := range scoredPoints {
		meta := convertPayloadToMap(point.Payload)
		results = append(results, Match{
			Chunk: Chunk{
				ID:         stringField(meta, payloadChunkID),
				Content:    stringField(meta, payloadContent),
				Kind:       Kind(stringField(meta, payloadKind)),
				SourcePath: stringField(meta, payloadSourcePath),
				Name:       stringField(meta, payloadName),
			},
			Score: float64(point.Score),
		})
	}

	logger.DebugContext(ctx, "search completed", "collection", s.collection, "project_id", projectID, "k", k, "results", len(results))
	return results, nil
}

// Clear deletes every point of the project.
func (s *QdrantStore) Clear(ctx context.Context, ownerID, projectID string) error {
	logger := contextutil.LoggerFromContext(ctx)

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(projectFilter(ownerID, projectID)),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", s.collection, "project_id", projectID, "error", err)
		return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to delete points: %w", err))
	}

	logger.InfoContext(ctx, "cleared project points", "collection", s.collection, "project_id", projectID)
	return nil
}

// Stats scrolls the project's points and aggregates kind and content size.
func (s *QdrantStore) Stats(ctx context.Context, ownerID, projectID string) (*Stats, error) {
	stats := &Stats{ChunkTypes: make(map[string]int)}
	filter := projectFilter(ownerID, projectID)

	var offset *qdrant.PointId
	for {
		// One extra point tells us where the next page starts.
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize + 1)),
			WithPayload:    qdrant.NewWithPayloadInclude(payloadKind, payloadContent),
		})
		if err != nil {
			return nil, errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to scroll points: %w", err))
		}

		page := points
		if len(points) > scrollPageSize {
			page = points[:scrollPageSize]
		}
		for _, p := range page {
			meta := convertPayloadToMap(p.Payload)
			stats.TotalChunks++
			stats.TotalSize += len([]rune(stringField(meta, payloadContent)))
			stats.ChunkTypes[stringField(meta, payloadKind)]++
		}

		if len(points) <= scrollPageSize {
			return stats, nil
		}
		offset = points[scrollPageSize].Id
	}
}

// Ping runs a Qdrant health check.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("qdrant health check failed: %w", err))
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection ensures the collection exists with the specified vector
// size and keyword indexes on the scoping payload fields. If the collection
// exists, validates that the vector size matches.
func (s *QdrantStore) EnsureCollection(ctx context.Context, vectorSize int) error {
	logger := contextutil.LoggerFromContext(ctx)
	collection := s.collection

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to check collection existence: %w", err))
	}

	if !exists {
		logger.InfoContext(ctx, "creating collection", "collection", collection, "vector_size", vectorSize)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to create collection: %w", err))
		}

		for _, field := range []string{payloadOwnerID, payloadProjectID} {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: collection,
				FieldName:      field,
				FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
				Wait:           qdrant.PtrOf(true),
			})
			if err != nil {
				return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to index payload field %s: %w", field, err))
			}
		}
		logger.InfoContext(ctx, "collection created", "collection", collection, "vector_size", vectorSize)
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to get collection info: %w", err))
	}

	actualSize := collectionVectorSize(info)
	if actualSize == 0 {
		return fmt.Errorf("could not determine collection vector size")
	}
	if actualSize != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, actualSize)
	}

	logger.InfoContext(ctx, "collection validated", "collection", collection, "vector_size", vectorSize)
	return nil
}

func collectionVectorSize(info *qdrant.CollectionInfo) int {
	if config := info.GetConfig(); config != nil && config.Params != nil {
		if vectorsConfig := config.Params.GetVectorsConfig(); vectorsConfig != nil {
			if params := vectorsConfig.GetParams(); params != nil {
				return int(params.Size)
			}
		}
	}
	return 0
}

func stringField(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

// convertPayloadToMap converts Qdrant payload to map[string]any.
func convertPayloadToMap(payload map[string]*qdrant.Value) map[string]any {
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		result[k] = convertValue(v)
	}
	return result
}

// convertValue converts a Qdrant Value to Go any type.
func convertValue(v *qdrant.Value) any {
	switch val := v.Kind.(type) {
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_ListValue:
		list := make([]any, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			list[i] = convertValue(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return convertPayloadToMap(val.StructValue.Fields)
	default:
		return nil
	}
}
