// Package longterm implements the vector-keyed LongTermMemory store of
// durable goal learnings: one paragraph per finished goal, keyed by an
// embedding so future similar goals can retrieve it.
package longterm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/cardloop/orchestrator/pkg/models"
)

// Store persists Learning points in a Qdrant collection, keyed by an
// embedding of goal_description ⧺ learning.
type Store struct {
	client         *qdrant.Client
	collectionName string
	vectorSize     uint64
	embedder       Embedder
}

// NewStore connects to Qdrant at host:port and lazily ensures the
// collection exists on first use.
func NewStore(host string, port int, apiKey, collectionName string, vectorSize uint64, embedder Embedder) (*Store, error) {
	host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("longterm: creating qdrant client: %w", err)
	}

	s := &Store{client: client, collectionName: collectionName, vectorSize: vectorSize, embedder: embedder}
	if err := s.ensureCollection(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("longterm: checking collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("longterm: creating collection: %w", err)
	}

	fieldType := qdrant.FieldType(qdrant.PayloadSchemaType_Keyword)
	_, _ = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collectionName,
		FieldName:      "outcome",
		FieldType:      &fieldType,
	})
	return nil
}

// Store embeds the goal description concatenated with the learning text
// and writes a new Learning point, returning its id.
func (s *Store) Store(ctx context.Context, learning *models.Learning) (string, error) {
	if learning.ID == "" {
		learning.ID = uuid.NewString()
	}
	if learning.Timestamp.IsZero() {
		learning.Timestamp = time.Now()
	}

	vector, err := s.embedder.Embed(ctx, learning.GoalDescription+" "+learning.LearningText)
	if err != nil {
		return "", fmt.Errorf("longterm: embedding learning: %w", err)
	}

	payload := map[string]*qdrant.Value{
		"goal_description": qdrant.NewValueString(learning.GoalDescription),
		"learning":          qdrant.NewValueString(learning.LearningText),
		"cards_created":     qdrant.NewValueInt(int64(learning.CardsCreated)),
		"outcome":           qdrant.NewValueString(string(learning.Outcome)),
		"error_encountered": qdrant.NewValueString(learning.ErrorEncountered),
		"fix_applied":       qdrant.NewValueBool(learning.FixApplied),
		"tokens_used":       qdrant.NewValueInt(learning.TokensUsed),
		"cost":              qdrant.NewValueDouble(learning.Cost),
		"timestamp":         qdrant.NewValueInt(learning.Timestamp.Unix()),
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(learning.ID),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Points:         []*qdrant.PointStruct{point},
	}); err != nil {
		return "", fmt.Errorf("longterm: upserting learning: %w", err)
	}
	return learning.ID, nil
}

// Query embeds text and retrieves the closest limit points scoring at
// least threshold, optionally filtered by outcome.
func (s *Store) Query(ctx context.Context, text string, limit int, threshold float32, outcomeFilter *models.LearningOutcome) ([]models.Learning, error) {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("longterm: embedding query: %w", err)
	}

	var filter *qdrant.Filter
	if outcomeFilter != nil {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("outcome", string(*outcomeFilter))},
		}
	}

	result, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          uptr(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("longterm: querying: %w", err)
	}

	learnings := make([]models.Learning, 0, len(result))
	for _, point := range result {
		if point.Score < threshold {
			continue
		}
		learnings = append(learnings, pointToLearning(point.Id, point.Payload, point.Score))
	}
	return learnings, nil
}

// Get fetches a single Learning by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Learning, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collectionName,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("longterm: getting learning %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("longterm: learning %s not found", id)
	}
	learning := pointToLearning(points[0].Id, points[0].Payload, 0)
	return &learning, nil
}

// Delete removes a Learning by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qdrant.NewIDUUID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("longterm: deleting learning %s: %w", id, err)
	}
	return nil
}

// Stats reports the total number of stored learnings.
func (s *Store) Stats(ctx context.Context) (int, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: s.collectionName})
	if err != nil {
		return 0, fmt.Errorf("longterm: counting learnings: %w", err)
	}
	return int(count), nil
}

// HealthCheck is a liveness probe against the Qdrant collection.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("longterm: health check failed: %w", err)
	}
	return nil
}

func uptr(v uint64) *uint64 { return &v }

func pointToLearning(id *qdrant.PointId, payload map[string]*qdrant.Value, score float32) models.Learning {
	get := func(key string) *qdrant.Value { return payload[key] }

	l := models.Learning{
		Score: score,
	}
	if id != nil {
		l.ID = id.GetUuid()
	}
	if v := get("goal_description"); v != nil {
		l.GoalDescription = v.GetStringValue()
	}
	if v := get("learning"); v != nil {
		l.LearningText = v.GetStringValue()
	}
	if v := get("cards_created"); v != nil {
		l.CardsCreated = int(v.GetIntegerValue())
	}
	if v := get("outcome"); v != nil {
		l.Outcome = models.LearningOutcome(v.GetStringValue())
	}
	if v := get("error_encountered"); v != nil {
		l.ErrorEncountered = v.GetStringValue()
	}
	if v := get("fix_applied"); v != nil {
		l.FixApplied = v.GetBoolValue()
	}
	if v := get("tokens_used"); v != nil {
		l.TokensUsed = v.GetIntegerValue()
	}
	if v := get("cost"); v != nil {
		l.Cost = v.GetDoubleValue()
	}
	if v := get("timestamp"); v != nil {
		l.Timestamp = time.Unix(v.GetIntegerValue(), 0)
	}
	return l
}
