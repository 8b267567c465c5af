package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

const (
	// CollectionName is the Qdrant collection holding papers and their chunks.
	CollectionName = "papers"

	vectorName = "content"

	pointTypeParent = "parent"
	pointTypeChunk  = "chunk"

	scrollBatchSize = 100
)

// pointNamespace derives stable point IDs from paper IDs, which are not UUIDs.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("paper-digest/points"))

// QdrantStorage implements VectorRepository on a Qdrant collection. Papers are
// vector-less parent points; chunks carry the named "content" vector.
type QdrantStorage struct {
	client *qdrant.Client
	host   string
	port   int
}

var _ VectorRepository = (*QdrantStorage)(nil)

// NewQdrantStorage connects over gRPC, waits for the server to answer a health
// check and ensures the collection exists.
func NewQdrantStorage(ctx context.Context, host string, port int) (*QdrantStorage, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStorage{
		client: client,
		host:   host,
		port:   port,
	}

	if err := s.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	if err := s.EnsureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStorage) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error { return s.Health(ctx) }, backoff.WithContext(b, ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantStorage) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("%w: health check failed: %v", ErrStorageFailure, err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("%w: health check returned invalid response", ErrStorageFailure)
	}
	return nil
}

// EnsureCollection creates the collection and its payload indexes when missing.
func (s *QdrantStorage) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, CollectionName)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrStorageFailure, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: CollectionName,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     VectorDimension,
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %v", ErrStorageFailure, err)
	}

	for _, field := range []string{"type", "document_id", "provenance"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: CollectionName,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("%w: creating index for %s: %v", ErrStorageFailure, field, err)
		}
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStorage) upsertWithRetry(ctx context.Context, points ...*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: CollectionName,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func documentPointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte("doc:"+id)).String())
}

func chunkPointID(documentID string, index int) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, fmt.Appendf(nil, "%s#%d", documentID, index)).String())
}

// UpsertDocument stores a paper as a parent point without a vector.
func (s *QdrantStorage) UpsertDocument(ctx context.Context, doc *Document) error {
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}

	// Nested fields travel as JSON strings; Qdrant values only take []any.
	encoded := make(map[string]string, 4)
	for key, v := range map[string]any{
		"authors":    doc.Authors,
		"categories": doc.Categories,
		"sections":   doc.Sections,
		"summary":    doc.Summary,
	} {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: marshalling %s: %v", ErrStorageFailure, key, err)
		}
		encoded[key] = string(data)
	}

	published := ""
	if !doc.PublishedDate.IsZero() {
		published = formatTime(doc.PublishedDate)
	}

	point := &qdrant.PointStruct{
		Id:      documentPointID(doc.ID),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
		Payload: qdrant.NewValueMap(map[string]any{
			"type":              pointTypeParent,
			"document_id":       doc.ID,
			"title":             doc.Title,
			"abstract":          doc.Abstract,
			"authors":           encoded["authors"],
			"categories":        encoded["categories"],
			"pdf_url":           doc.PDFURL,
			"published_date":    published,
			"full_text":         doc.FullText,
			"sections":          encoded["sections"],
			"summary":           encoded["summary"],
			"pdf_downloaded":    doc.Flags.PDFDownloaded,
			"processed":         doc.Flags.Parsed,
			"embedding_created": doc.Flags.Embedded,
			"summary_generated": doc.Flags.Summarized,
			"fetched_at":        formatTime(doc.FetchedAt),
		}),
	}

	if err := s.upsertWithRetry(ctx, point); err != nil {
		return fmt.Errorf("%w: saving paper %s: %v", ErrStorageFailure, doc.ID, err)
	}
	return nil
}

// GetDocument retrieves a paper by ID.
func (s *QdrantStorage) GetDocument(ctx context.Context, id string) (*Document, error) {
	result, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: CollectionName,
		Ids:            []*qdrant.PointId{documentPointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getting paper: %v", ErrStorageFailure, err)
	}
	if len(result) == 0 {
		return nil, ErrDocumentNotFound
	}

	payload := result[0].Payload
	if payload["type"].GetStringValue() != pointTypeParent {
		return nil, ErrDocumentNotFound
	}
	return payloadToDocument(payload), nil
}

// payloadToDocument rebuilds a paper from its parent point payload.
// Unparseable JSON fields degrade to empty values.
func payloadToDocument(payload map[string]*qdrant.Value) *Document {
	doc := &Document{
		ID:       payload["document_id"].GetStringValue(),
		Title:    payload["title"].GetStringValue(),
		Abstract: payload["abstract"].GetStringValue(),
		PDFURL:   payload["pdf_url"].GetStringValue(),
		FullText: payload["full_text"].GetStringValue(),
		Flags: Flags{
			PDFDownloaded: payload["pdf_downloaded"].GetBoolValue(),
			Parsed:        payload["processed"].GetBoolValue(),
			Embedded:      payload["embedding_created"].GetBoolValue(),
			Summarized:    payload["summary_generated"].GetBoolValue(),
		},
		PublishedDate: parseTime(payload["published_date"].GetStringValue()),
		FetchedAt:     parseTime(payload["fetched_at"].GetStringValue()),
	}
	if json.Unmarshal([]byte(payload["authors"].GetStringValue()), &doc.Authors) != nil {
		doc.Authors = nil
	}
	if json.Unmarshal([]byte(payload["categories"].GetStringValue()), &doc.Categories) != nil {
		doc.Categories = nil
	}
	if json.Unmarshal([]byte(payload["sections"].GetStringValue()), &doc.Sections) != nil {
		doc.Sections = nil
	}
	if json.Unmarshal([]byte(payload["summary"].GetStringValue()), &doc.Summary) != nil {
		doc.Summary = nil
	}
	return doc
}

// StoreChunk upserts one chunk point. The point ID is derived from
// (DocumentID, Index), so storing the same chunk again overwrites it.
func (s *QdrantStorage) StoreChunk(ctx context.Context, chunk Chunk) error {
	if err := checkDimension(chunk.Embedding); err != nil {
		return fmt.Errorf("%w: chunk %s#%d: %w", ErrStorageFailure, chunk.DocumentID, chunk.Index, err)
	}

	point := &qdrant.PointStruct{
		Id: chunkPointID(chunk.DocumentID, chunk.Index),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
			vectorName: qdrant.NewVector(chunk.Embedding...),
		}),
		Payload: qdrant.NewValueMap(map[string]any{
			"type":        pointTypeChunk,
			"document_id": chunk.DocumentID,
			"chunk_index": chunk.Index,
			"chunk_type":  chunk.Type,
			"content":     chunk.Text,
			"provenance":  chunk.Provenance,
		}),
	}

	if err := s.upsertWithRetry(ctx, point); err != nil {
		return fmt.Errorf("%w: saving chunk %s#%d: %v", ErrStorageFailure, chunk.DocumentID, chunk.Index, err)
	}
	return nil
}

// DeleteChunks removes every chunk point of a paper.
func (s *QdrantStorage) DeleteChunks(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("type", pointTypeChunk),
				qdrant.NewMatch("document_id", documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting chunks of %s: %v", ErrStorageFailure, documentID, err)
	}
	return nil
}

// Vectors scrolls through every chunk point with its vector.
func (s *QdrantStorage) Vectors(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		filter := &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("type", pointTypeChunk)},
		}

		var offset *qdrant.PointId
		for {
			// The scroll offset is inclusive: fetch one extra point and use it
			// as the start of the next page.
			results, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: CollectionName,
				Filter:         filter,
				Limit:          qdrant.PtrOf(uint32(scrollBatchSize + 1)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectorsInclude(vectorName),
			})
			if err != nil {
				yield(Chunk{}, fmt.Errorf("%w: scrolling chunks: %v", ErrStorageFailure, err))
				return
			}

			page := results
			if len(results) > scrollBatchSize {
				page = results[:scrollBatchSize]
			}
			for _, point := range page {
				if !yield(pointToChunk(point)) {
					return
				}
			}

			if len(results) <= scrollBatchSize {
				return
			}
			offset = results[scrollBatchSize].Id
		}
	}
}

func pointToChunk(point *qdrant.RetrievedPoint) (Chunk, error) {
	payload := point.Payload
	c := Chunk{
		DocumentID: payload["document_id"].GetStringValue(),
		Index:      int(payload["chunk_index"].GetIntegerValue()),
		Type:       payload["chunk_type"].GetStringValue(),
		Text:       payload["content"].GetStringValue(),
		Provenance: payload["provenance"].GetStringValue(),
	}

	out := point.GetVectors().GetVectors().GetVectors()[vectorName]
	vec := out.GetDense().GetData()
	if len(vec) == 0 {
		vec = out.GetData() //nolint:staticcheck // older servers only fill the legacy field
	}
	if len(vec) != VectorDimension {
		return c, fmt.Errorf("%w: chunk %s#%d: %w: %w: got %d values, expected %d",
			ErrStorageFailure, c.DocumentID, c.Index, ErrMalformedVector, ErrDimensionMismatch, len(vec), VectorDimension)
	}
	c.Embedding = vec
	return c, nil
}

// CountChunks returns the number of chunk points.
func (s *QdrantStorage) CountChunks(ctx context.Context) (uint64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: CollectionName,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("type", pointTypeChunk)},
		},
		Exact: qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting chunks: %v", ErrStorageFailure, err)
	}
	return n, nil
}
