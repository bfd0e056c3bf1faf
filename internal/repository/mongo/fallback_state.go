package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
)

const fallbackCollection = "fallback_state"

type fallbackDoc struct {
	ID             string   `bson:"_id"`
	TitleID        string   `bson:"titleId"`
	Season         int      `bson:"season"`
	Episode        int      `bson:"episode"`
	Tried          []string `bson:"tried"`
	ActiveSourceID string   `bson:"activeSourceId"`
	State          string   `bson:"state"`
	LastReason     string   `bson:"lastReason,omitempty"`
	UpdatedAt      int64    `bson:"updatedAt"`
	// ExpiresAt drives the TTL index.
	ExpiresAt time.Time `bson:"expiresAt"`
}

// FallbackStateRepository persists fallback bookkeeping, one document per
// PlaybackKey.
type FallbackStateRepository struct {
	collection *mongo.Collection
	ttl        time.Duration
}

func NewFallbackStateRepository(client *mongo.Client, dbName string, ttl time.Duration) *FallbackStateRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FallbackStateRepository{
		collection: client.Database(dbName).Collection(fallbackCollection),
		ttl:        ttl,
	}
}

func (r *FallbackStateRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "titleId", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *FallbackStateRepository) Get(ctx context.Context, key domain.PlaybackKey) (domain.FallbackState, error) {
	var doc fallbackDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.FallbackState{}, domain.ErrNotFound
		}
		return domain.FallbackState{}, err
	}
	return fromFallbackDoc(doc), nil
}

func (r *FallbackStateRepository) Save(ctx context.Context, st domain.FallbackState) error {
	doc := toFallbackDoc(st, r.ttl)
	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func toFallbackDoc(st domain.FallbackState, ttl time.Duration) fallbackDoc {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	tried := st.Tried
	if tried == nil {
		tried = []string{}
	}
	return fallbackDoc{
		ID:             st.Key.String(),
		TitleID:        st.Key.TitleID,
		Season:         st.Key.Season,
		Episode:        st.Key.Episode,
		Tried:          tried,
		ActiveSourceID: st.ActiveSourceID,
		State:          string(st.Phase),
		LastReason:     string(st.LastReason),
		UpdatedAt:      updated.UTC().Unix(),
		ExpiresAt:      updated.UTC().Add(ttl),
	}
}

func fromFallbackDoc(doc fallbackDoc) domain.FallbackState {
	tried := doc.Tried
	if tried == nil {
		tried = []string{}
	}
	return domain.FallbackState{
		Key: domain.PlaybackKey{
			TitleID: doc.TitleID,
			Season:  doc.Season,
			Episode: doc.Episode,
		},
		Tried:          tried,
		ActiveSourceID: doc.ActiveSourceID,
		Phase:          domain.FallbackPhase(doc.State),
		LastReason:     domain.FailureReason(doc.LastReason),
		UpdatedAt:      time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}

var _ ports.FallbackStore = (*FallbackStateRepository)(nil)
