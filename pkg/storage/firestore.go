package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	statisticsCollection = "statistics"
	pointsCollection     = "points"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Every series is a document in the "statistics" collection holding its
// metadata, with its points in a "points" subcollection keyed by the RFC3339
// start of the hour.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// The project ID may be empty, it is detected from the environment.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) statisticDoc(statisticID string) (*firestore.DocumentRef, error) {
	if statisticID == "" {
		return nil, fmt.Errorf("statisticID cannot be empty")
	}
	return f.client.Collection(statisticsCollection).Doc(statisticID), nil
}

func (f *FirestoreProvider) pointsColl(statisticID string) (*firestore.CollectionRef, error) {
	doc, err := f.statisticDoc(statisticID)
	if err != nil {
		return nil, err
	}
	return doc.Collection(pointsCollection), nil
}

func pointDocID(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}

// LastStatistic retrieves the point with the latest start of a series.
func (f *FirestoreProvider) LastStatistic(ctx context.Context, statisticID string) (types.LastStatistic, bool, error) {
	coll, err := f.pointsColl(statisticID)
	if err != nil {
		return types.LastStatistic{}, false, err
	}
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.LastStatistic{}, false, nil
	}
	if err != nil {
		return types.LastStatistic{}, false, fmt.Errorf("failed to get last statistic doc: %w", err)
	}

	var p types.StatisticPoint
	if err := unmarshalDoc(ctx, doc, &p); err != nil {
		return types.LastStatistic{}, false, err
	}
	return types.LastStatistic{Start: p.Start.UTC(), Sum: p.Sum}, true, nil
}

// AddExternalStatistics writes the metadata document and upserts every point
// with a BulkWriter.
func (f *FirestoreProvider) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	doc, err := f.statisticDoc(meta.StatisticID)
	if err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(points)+1)
	job, err := bw.Set(doc, map[string]interface{}{
		"json":    string(metaBytes),
		"version": schemaVersion,
	})
	if err != nil {
		bw.End()
		return fmt.Errorf("failed to queue statistic metadata: %w", err)
	}
	jobs = append(jobs, job)

	coll := doc.Collection(pointsCollection)
	for _, p := range points {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal statistic point: %w", err)
		}
		job, err := bw.Set(coll.Doc(pointDocID(p.Start)), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Start.UTC(),
			"sum":       p.Sum,
			"version":   schemaVersion,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue statistic point: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to write statistics for %s: %w", meta.StatisticID, err)
		}
	}
	return nil
}

// GetStatisticMetadata retrieves the metadata of a series.
func (f *FirestoreProvider) GetStatisticMetadata(ctx context.Context, statisticID string) (types.StatisticMetadata, error) {
	ref, err := f.statisticDoc(statisticID)
	if err != nil {
		return types.StatisticMetadata{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.StatisticMetadata{}, fmt.Errorf("%w: %s", ErrStatisticNotFound, statisticID)
		}
		return types.StatisticMetadata{}, fmt.Errorf("failed to get statistic %s: %w", statisticID, err)
	}

	var meta types.StatisticMetadata
	if err := unmarshalDoc(ctx, doc, &meta); err != nil {
		return types.StatisticMetadata{}, err
	}
	return meta, nil
}

// ListStatisticIDs returns the ids of every stored series.
func (f *FirestoreProvider) ListStatisticIDs(ctx context.Context) ([]string, error) {
	iter := f.client.Collection(statisticsCollection).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics: %w", err)
		}
		ids = append(ids, doc.Ref.ID)
	}
	return ids, nil
}

// GetStatistics retrieves the points of a series within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	coll, err := f.pointsColl(statisticID)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(pointDocID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(pointDocID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics: %w", err)
		}
		var p types.StatisticPoint
		if err := unmarshalDoc(ctx, doc, &p); err != nil {
			return nil, err
		}
		p.Start = p.Start.UTC()
		points = append(points, p)
	}
	return points, nil
}

// ClearStatistics deletes every point and then the metadata document of each
// series.
func (f *FirestoreProvider) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	bw := f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, id := range statisticIDs {
		doc, err := f.statisticDoc(id)
		if err != nil {
			bw.End()
			return err
		}

		iter := doc.Collection(pointsCollection).Documents(ctx)
		for {
			pdoc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				bw.End()
				return fmt.Errorf("error iterating points of %s: %w", id, err)
			}
			job, err := bw.Delete(pdoc.Ref)
			if err != nil {
				iter.Stop()
				bw.End()
				return fmt.Errorf("failed to queue delete of %s: %w", pdoc.Ref.ID, err)
			}
			jobs = append(jobs, job)
		}
		iter.Stop()

		job, err := bw.Delete(doc)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete of %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to clear statistics: %w", err)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared statistics", slog.Int("series", len(statisticIDs)), slog.Int("writes", len(jobs)))
	return nil
}

// unmarshalDoc decodes the json field of a document into v.
func unmarshalDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "statistics doc missing json", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "statistics doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal statistics doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}
