package vectorindex

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField stashes the caller-supplied embedding id in point payload,
// since Qdrant point IDs must be a UUID or an unsigned integer.
const payloadIDField = "_original_id"
const payloadObjectField = "_object_id"
const payloadVariantField = "_variant_id"
const payloadTextField = "_text"

type qdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimensions int
	distance   qdrant.Distance
}

// NewQdrant connects to a Qdrant deployment described by dsn, e.g.
// "qdrant://localhost:6334/my-collection?api_key=secret" or
// "qdrants://host:6334/my-collection" for TLS.
func NewQdrant(ctx context.Context, dsn string, dimensions int, metric string) (Index, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse vector dsn: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("vector dsn missing host")
	}
	port := 6334
	if p := u.Port(); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	collection := strings.Trim(u.Path, "/")
	if collection == "" {
		return nil, fmt.Errorf("vector dsn missing collection path")
	}
	useTLS := u.Scheme == "qdrants" || u.Scheme == "https"
	apiKey := u.Query().Get("api_key")

	cfg := &qdrant.Config{Host: host, Port: port, APIKey: apiKey, UseTLS: useTLS}
	if useTLS {
		cfg.TLSConfig = &tls.Config{}
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	idx := &qdrantIndex{client: client, collection: collection, dimensions: dimensions, distance: distanceFromMetric(metric)}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func distanceFromMetric(metric string) qdrant.Distance {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "l2", "euclidean":
		return qdrant.Distance_Euclid
	case "ip", "dot":
		return qdrant.Distance_Dot
	case "manhattan":
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

func (q *qdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err == nil && exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: q.distance,
		}),
	})
}

func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewID(id)
	}
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func (q *qdrantIndex) Store(ctx context.Context, objectID, variantID, text string, vector []float32) (string, error) {
	embeddingID := uuid.New().String()
	payload := map[string]any{
		payloadIDField:      embeddingID,
		payloadObjectField:  objectID,
		payloadVariantField: variantID,
		payloadTextField:    text,
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      pointID(embeddingID),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("qdrant upsert: %w", err)
	}
	return embeddingID, nil
}

func (q *qdrantIndex) FindSimilar(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	limit := uint64(k)
	var filter *qdrant.Filter
	if len(filters) > 0 {
		conds := make([]*qdrant.Condition, 0, len(filters))
		for key, val := range filters {
			conds = append(conds, qdrant.NewMatch(key, val))
		}
		filter = &qdrant.Filter{Must: conds}
	}

	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	out := make([]Match, 0, len(resp))
	for _, p := range resp {
		payload := p.GetPayload()
		m := Match{Score: float64(p.GetScore())}
		if v, ok := payload[payloadObjectField]; ok {
			m.ObjectID = v.GetStringValue()
		}
		if v, ok := payload[payloadVariantField]; ok {
			m.VariantID = v.GetStringValue()
		}
		if v, ok := payload[payloadTextField]; ok {
			m.Text = v.GetStringValue()
		}
		m.Metadata = map[string]string{}
		for key, v := range payload {
			if key == payloadIDField || key == payloadObjectField || key == payloadVariantField || key == payloadTextField {
				continue
			}
			m.Metadata[key] = v.GetStringValue()
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *qdrantIndex) Delete(ctx context.Context, embeddingID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID(embeddingID)}},
			},
		},
	})
	return err
}

func (q *qdrantIndex) Health(ctx context.Context) error {
	_, err := q.client.HealthCheck(ctx)
	return err
}
