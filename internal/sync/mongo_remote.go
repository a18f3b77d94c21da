package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRemote is the production Remote. Records and locks live in separate
// collections; the audit collection is append-only.
type MongoRemote struct {
	client  *mongo.Client
	records *mongo.Collection
	locks   *mongo.Collection
	audit   *mongo.Collection
}

type mongoRecord struct {
	ID          string    `bson:"_id"`
	Type        string    `bson:"type"`
	DisplayName string    `bson:"displayName"`
	Payload     string    `bson:"payload"`
	Status      string    `bson:"status"`
	Step        int       `bson:"step"`
	LinkedID    string    `bson:"linkedId,omitempty"`
	Owner       string    `bson:"owner"`
	Version     int       `bson:"version"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

type mongoLock struct {
	ID           string    `bson:"_id"`
	HolderID     string    `bson:"holderId"`
	HolderDevice string    `bson:"holderDevice"`
	AcquiredAt   time.Time `bson:"acquiredAt"`
	ExpiresAt    time.Time `bson:"expiresAt"`
}

func NewMongoRemote(ctx context.Context, uri, dbName string) (*MongoRemote, error) {
	if uri == "" {
		return nil, errors.New("sync: mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, unavailable(err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, unavailable(err)
	}

	db := cli.Database(dbName)
	r := &MongoRemote{
		client:  cli,
		records: db.Collection("records"),
		locks:   db.Collection("locks"),
		audit:   db.Collection("audit"),
	}
	_, _ = r.audit.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "org", Value: 1}, {Key: "ts", Value: 1}},
	})
	_, _ = r.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
	})
	return r, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

// UpsertRecord pushes a record iff the remote still holds expectedVersion.
// expectedVersion 0 means the record has never been pushed; a duplicate-key
// failure there means another device pushed first, which is a conflict too.
func (m *MongoRemote) UpsertRecord(ctx context.Context, rec RemoteRecord, expectedVersion int) (int, error) {
	newVersion := expectedVersion + 1
	doc := mongoRecord{
		ID:          rec.ID,
		Type:        rec.Type,
		DisplayName: rec.DisplayName,
		Payload:     rec.Payload,
		Status:      rec.Status,
		Step:        rec.Step,
		LinkedID:    rec.LinkedID,
		Owner:       rec.Owner,
		Version:     newVersion,
		UpdatedAt:   time.Now().UTC(),
	}

	if expectedVersion == 0 {
		_, err := m.records.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return 0, m.conflictFor(ctx, rec.ID)
		}
		if err != nil {
			return 0, unavailable(err)
		}
		return newVersion, nil
	}

	res, err := m.records.UpdateOne(ctx,
		bson.M{"_id": rec.ID, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"type":        doc.Type,
			"displayName": doc.DisplayName,
			"payload":     doc.Payload,
			"status":      doc.Status,
			"step":        doc.Step,
			"linkedId":    doc.LinkedID,
			"owner":       doc.Owner,
			"version":     newVersion,
			"updatedAt":   doc.UpdatedAt,
		}})
	if err != nil {
		return 0, unavailable(err)
	}
	if res.MatchedCount == 0 {
		return 0, m.conflictFor(ctx, rec.ID)
	}
	return newVersion, nil
}

// conflictFor reads the winning side's metadata so the caller can present
// the conflict. DisplayName stays enveloped remotely, so the coordinator
// fills it from the local record.
func (m *MongoRemote) conflictFor(ctx context.Context, id string) error {
	var doc mongoRecord
	err := m.records.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return unavailable(err)
	}
	return &Conflict{RecordID: id, RemoteUpdatedAt: doc.UpdatedAt}
}

func (m *MongoRemote) FetchRecord(ctx context.Context, id string) (*RemoteRecord, error) {
	var doc mongoRecord
	err := m.records.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrRemoteNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &RemoteRecord{
		ID:          doc.ID,
		Type:        doc.Type,
		DisplayName: doc.DisplayName,
		Payload:     doc.Payload,
		Status:      doc.Status,
		Step:        doc.Step,
		LinkedID:    doc.LinkedID,
		Owner:       doc.Owner,
		Version:     doc.Version,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func (m *MongoRemote) DeleteRecord(ctx context.Context, id string) error {
	if _, err := m.records.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return unavailable(err)
	}
	return nil
}

// AcquireLock takes the advisory lock for actor/device. The single
// FindOneAndUpdate is the whole protocol: it succeeds when the lock is
// free, expired, or already ours, and a duplicate-key failure means a live
// holder.
func (m *MongoRemote) AcquireLock(ctx context.Context, id, actor, device string, expiry time.Duration) (LockState, error) {
	now := time.Now().UTC()
	doc := mongoLock{
		ID:           id,
		HolderID:     actor,
		HolderDevice: device,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(expiry),
	}
	err := m.locks.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "$or": bson.A{
			bson.M{"holderId": actor},
			bson.M{"expiresAt": bson.M{"$lt": now}},
		}},
		bson.M{"$set": doc},
		options.FindOneAndUpdate().SetUpsert(true),
	).Err()
	if err == nil || err == mongo.ErrNoDocuments {
		return lockState(doc), nil
	}
	if mongo.IsDuplicateKeyError(err) {
		var held mongoLock
		if ferr := m.locks.FindOne(ctx, bson.M{"_id": id}).Decode(&held); ferr == nil {
			return LockState{}, &LockDeniedError{Holder: lockState(held)}
		}
		return LockState{}, &LockDeniedError{Holder: LockState{RecordID: id}}
	}
	return LockState{}, unavailable(err)
}

func lockState(l mongoLock) LockState {
	return LockState{
		RecordID:     l.ID,
		HolderID:     l.HolderID,
		HolderDevice: l.HolderDevice,
		AcquiredAt:   l.AcquiredAt,
		ExpiresAt:    l.ExpiresAt,
	}
}

func (m *MongoRemote) ReleaseLock(ctx context.Context, id, actor string) error {
	if _, err := m.locks.DeleteOne(ctx, bson.M{"_id": id, "holderId": actor}); err != nil {
		return unavailable(err)
	}
	return nil
}

// ExpireStaleLocks is the background sweep: locks from crashed or offline
// devices die here instead of blocking edits forever.
func (m *MongoRemote) ExpireStaleLocks(ctx context.Context) (int, error) {
	res, err := m.locks.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return 0, unavailable(err)
	}
	return int(res.DeletedCount), nil
}

func (m *MongoRemote) AppendAudit(ctx context.Context, ev AuditEvent) error {
	_, err := m.audit.InsertOne(ctx, bson.M{
		"org":      ev.Org,
		"ts":       ev.Timestamp,
		"actor":    ev.Actor,
		"action":   ev.Action,
		"resource": ev.Resource,
		"status":   ev.Status,
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (m *MongoRemote) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
