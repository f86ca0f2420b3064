package recordings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"soundfleet/pkg/database"
	"soundfleet/pkg/models"
)

var (
	// ErrNotFound is returned when no recording matches the given id
	ErrNotFound = errors.New("recording not found")
	// ErrRunActive is returned when another run already holds the claim
	ErrRunActive = errors.New("recording already has an active run")
)

// Store persists recordings and their embedded analysis runs
type Store struct {
	recordings *mongo.Collection
}

// NewStore creates a recording store
func NewStore(db *database.DB) *Store {
	return &Store{recordings: db.Collection(database.CollectionRecordings)}
}

// Create inserts a new recording with an empty analysis container
func (s *Store) Create(ctx context.Context, rec models.Recording) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Analysis.Runs == nil {
		rec.Analysis.Runs = map[string]models.AnalysisRun{}
	}

	if _, err := s.recordings.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to create recording %s: %w", rec.ID, err)
	}
	return nil
}

// Get fetches one recording
func (s *Store) Get(ctx context.Context, recordingID string) (*models.Recording, error) {
	var rec models.Recording
	err := s.recordings.FindOne(ctx, bson.M{"recording_id": recordingID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recording %s: %w", recordingID, err)
	}
	return &rec, nil
}

// Claim atomically acquires the exclusive run slot on a recording and
// creates the run document in the same round trip. The filter only
// matches when no run is active, so concurrent claimers race on the
// document update and exactly one wins.
func (s *Store) Claim(ctx context.Context, recordingID string, runCtx models.RunContext) (string, error) {
	now := time.Now().UTC()
	runID := uuid.New().String()

	run := models.AnalysisRun{
		ID:          runID,
		Context:     runCtx,
		Steps:       map[string]models.StepResult{},
		RequestedAt: now,
		StartedAt:   now,
	}

	filter := bson.M{
		"recording_id": recordingID,
		"$or": bson.A{
			bson.M{"analysis.active_run_id": nil},
			bson.M{"analysis.active_run_id": bson.M{"$exists": false}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"analysis.runs." + runID:     run,
			"analysis.active_run_id":     runID,
			"analysis.latest_run_id":     runID,
			"analysis.last_requested_at": now,
			"analysis.last_started_at":   now,
			"updated_at":                 now,
		},
		"$inc": bson.M{"analysis.total_runs": 1},
	}

	err := s.recordings.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Distinguish a held claim from a missing recording
		count, countErr := s.recordings.CountDocuments(ctx, bson.M{"recording_id": recordingID})
		if countErr != nil {
			return "", fmt.Errorf("failed to claim recording %s: %w", recordingID, countErr)
		}
		if count == 0 {
			return "", ErrNotFound
		}
		return "", ErrRunActive
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim recording %s: %w", recordingID, err)
	}

	return runID, nil
}

// SaveStep writes one step result as a point update under its run
func (s *Store) SaveStep(ctx context.Context, recordingID, runID, stepName string, step models.StepResult) error {
	now := time.Now().UTC()
	result, err := s.recordings.UpdateOne(ctx,
		bson.M{"recording_id": recordingID},
		bson.M{"$set": bson.M{
			"analysis.runs." + runID + ".steps." + stepName: step,
			"updated_at": now,
		}})
	if err != nil {
		return fmt.Errorf("failed to save step %s for run %s: %w", stepName, runID, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRun records the summary, stamps completion and releases the claim
func (s *Store) CompleteRun(ctx context.Context, recordingID, runID string, summary models.RunSummary) error {
	now := time.Now().UTC()
	result, err := s.recordings.UpdateOne(ctx,
		bson.M{"recording_id": recordingID},
		bson.M{"$set": bson.M{
			"analysis.runs." + runID + ".summary":      summary,
			"analysis.runs." + runID + ".completed_at": now,
			"analysis.last_completed_at":               now,
			"analysis.active_run_id":                   nil,
			"updated_at":                               now,
		}})
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", runID, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FailRun records the error, stamps completion and releases the claim so
// a later dispatch can retry the recording
func (s *Store) FailRun(ctx context.Context, recordingID, runID, errorMessage string) error {
	now := time.Now().UTC()
	result, err := s.recordings.UpdateOne(ctx,
		bson.M{"recording_id": recordingID},
		bson.M{"$set": bson.M{
			"analysis.runs." + runID + ".error_message": errorMessage,
			"analysis.runs." + runID + ".completed_at":  now,
			"analysis.active_run_id":                    nil,
			"updated_at":                                now,
		}})
	if err != nil {
		return fmt.Errorf("failed to fail run %s: %w", runID, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRouted records that a router id was applied to a recording
func (s *Store) MarkRouted(ctx context.Context, recordingID, routerID string) error {
	now := time.Now().UTC()
	result, err := s.recordings.UpdateOne(ctx,
		bson.M{"recording_id": recordingID},
		bson.M{
			"$addToSet": bson.M{"assigned_router_ids": routerID},
			"$set": bson.M{
				"last_router_dispatch": now,
				"updated_at":           now,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to mark recording %s routed by %s: %w", recordingID, routerID, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindBackfillCandidates pages through recordings matching the query that
// have not yet been routed by the given router id
func (s *Store) FindBackfillCandidates(ctx context.Context, query bson.M, routerID string, limit int64) ([]models.Recording, error) {
	filter := bson.M{}
	for k, v := range query {
		filter[k] = v
	}
	filter["assigned_router_ids"] = bson.M{"$ne": routerID}

	cursor, err := s.recordings.Find(ctx, filter,
		options.Find().SetLimit(limit).SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query backfill candidates: %w", err)
	}

	var recs []models.Recording
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode backfill candidates: %w", err)
	}
	return recs, nil
}

// FindMatching returns a sample of recordings matching a rule query,
// newest first
func (s *Store) FindMatching(ctx context.Context, query bson.M, limit int64) ([]models.Recording, error) {
	cursor, err := s.recordings.Find(ctx, query,
		options.Find().SetLimit(limit).SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query matching recordings: %w", err)
	}

	var recs []models.Recording
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode matching recordings: %w", err)
	}
	return recs, nil
}

// CountMatching counts recordings matching a rule query, for previews
func (s *Store) CountMatching(ctx context.Context, query bson.M) (int64, error) {
	count, err := s.recordings.CountDocuments(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count matching recordings: %w", err)
	}
	return count, nil
}

// FindPending returns recordings that never completed an analysis and are
// not currently claimed, oldest first. Used by the sweep fallback when
// change streams are unavailable.
func (s *Store) FindPending(ctx context.Context, limit int64) ([]models.Recording, error) {
	filter := bson.M{
		"analysis.active_run_id": nil,
		"$or": bson.A{
			bson.M{"analysis.total_runs": 0},
			bson.M{"analysis.last_completed_at": nil},
		},
	}

	cursor, err := s.recordings.Find(ctx, filter,
		options.Find().SetLimit(limit).SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending recordings: %w", err)
	}

	var recs []models.Recording
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode pending recordings: %w", err)
	}
	return recs, nil
}

// Watch streams newly inserted recordings to the handler until the
// context is cancelled. Requires a replica set; callers fall back to
// FindPending polling when Watch returns an error immediately.
func (s *Store) Watch(ctx context.Context, handler func(models.Recording)) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": "insert"}}},
	}

	stream, err := s.recordings.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var event struct {
			FullDocument models.Recording `bson:"fullDocument"`
		}
		if err := stream.Decode(&event); err != nil {
			return fmt.Errorf("failed to decode change event: %w", err)
		}
		handler(event.FullDocument)
	}
	return stream.Err()
}
