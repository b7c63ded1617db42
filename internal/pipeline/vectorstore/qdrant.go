package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// payloadIDField carries the chunk id when it isn't itself a UUID,
// since Qdrant point ids must be a UUID or a positive integer.
const payloadIDField = "_original_id"

// QdrantStore adapts the Qdrant gRPC client to the Store contract.
// Point ids must be UUIDs, so non-UUID chunk ids map to a
// deterministic UUID with the original id kept in the payload.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// NewQdrant constructs a Store backed by a real Qdrant collection. The
// collection is created (or confirmed to already exist) with the
// configured distance metric before the first upload.
func NewQdrant(cfg config.VectorStoreConfig) (Store, error) {
	collection := cfg.IndexName
	if collection == "" {
		collection = cfg.Index
	}
	if collection == "" {
		return nil, runerr.Newf(runerr.ConfigInvalid, "store", "qdrant requires storage.vector.index_name")
	}
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, runerr.New(runerr.ConfigInvalid, "store", fmt.Errorf("parse qdrant dsn: %w", err))
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, runerr.New(runerr.ConfigInvalid, "store", fmt.Errorf("invalid qdrant port: %w", err))
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", fmt.Errorf("create qdrant client: %w", err))
	}
	q := &QdrantStore{
		client:     client,
		collection: collection,
		dimension:  cfg.Dimension,
		metric:     strings.ToLower(strings.TrimSpace(cfg.Metric)),
	}
	ctx := context.Background()
	if cfg.Clear {
		_ = client.DeleteCollection(ctx, collection)
	}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	return q, nil
}

func (q *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	if q.dimension <= 0 {
		return fmt.Errorf("qdrant requires storage.vector.dimension > 0")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
}

func pointIDFor(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *QdrantStore) Upload(ctx context.Context, rec Record) error {
	uuidStr := pointIDFor(rec.ID)
	meta := make(map[string]any, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	if uuidStr != rec.ID {
		meta[payloadIDField] = rec.ID
	}
	vec := append([]float32(nil), rec.Embedding...)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(meta),
		}},
	})
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (q *QdrantStore) RetrieveFromID(ctx context.Context, id string) (*Record, error) {
	uuidStr := pointIDFor(id)
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(uuidStr)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	hit := points[0]
	meta := map[string]string{}
	for k, v := range hit.Payload {
		if k == payloadIDField {
			continue
		}
		meta[k] = v.GetStringValue()
	}
	var vec []float32
	if dv := hit.Vectors.GetVector(); dv != nil {
		vec = dv.GetData()
	}
	return &Record{ID: id, Embedding: vec, Metadata: meta}, nil
}

func (q *QdrantStore) Query(ctx context.Context, vector []float32, topK int, includeMetadata bool, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	vec := append([]float32(nil), vector...)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}
	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(includeMetadata),
	})
	if err != nil {
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		originalID := ""
		meta := map[string]string(nil)
		if includeMetadata {
			meta = map[string]string{}
			for k, v := range hit.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
					continue
				}
				meta[k] = v.GetStringValue()
			}
		} else {
			for k, v := range hit.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
				}
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		matches = append(matches, Match{ID: id, Score: float64(hit.Score), Metadata: meta})
	}
	sortMatches(matches)
	return matches, nil
}

func (q *QdrantStore) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(pointIDFor(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (q *QdrantStore) Clear(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return q.ensureCollection(ctx)
}

func (q *QdrantStore) Dimension() int { return q.dimension }

var _ Store = (*QdrantStore)(nil)
