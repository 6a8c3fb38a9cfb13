package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

// MongoStore keeps items in one collection per domain.Collection, owners in
// the users collection and in-app notifications in their own collection.
type MongoStore struct {
	cfg Config
	log logx.Logger

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
	state  atomic.Int32

	now func() time.Time
}

func OpenMongo(ctx context.Context, cfg Config, log logx.Logger) (*MongoStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, errors.New("mongo database is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &MongoStore{cfg: cfg, log: log, now: time.Now}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		s.log.Warn("mongo index setup failed", logx.Err(err))
	}
	return s, nil
}

func (s *MongoStore) connect(ctx context.Context) error {
	s.state.Store(int32(Connecting))
	opts := options.Client().ApplyURI(s.cfg.URI)
	if s.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(s.cfg.ConnectTimeout)
		opts.SetServerSelectionTimeout(s.cfg.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		s.state.Store(int32(Disconnected))
		return markTransient(fmt.Errorf("mongo connect: %w", err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		s.state.Store(int32(Disconnected))
		return markTransient(fmt.Errorf("mongo ping: %w", err))
	}

	s.mu.Lock()
	s.client = client
	s.db = client.Database(s.cfg.Database)
	s.mu.Unlock()
	s.state.Store(int32(Connected))
	return nil
}

func (s *MongoStore) database() (*mongo.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

func (s *MongoStore) ownersName() string {
	if s.cfg.OwnersCollection != "" {
		return s.cfg.OwnersCollection
	}
	return "users"
}

func (s *MongoStore) notificationsName() string {
	if s.cfg.NotificationsCollection != "" {
		return s.cfg.NotificationsCollection
	}
	return "notifications"
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	for _, coll := range domain.Collections() {
		_, err := db.Collection(string(coll)).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{
				{Key: "reminders.triggered", Value: 1},
				{Key: "reminders.triggerTime", Value: 1},
			},
		})
		if err != nil {
			return fmt.Errorf("index %s: %w", coll, err)
		}
	}
	_, err = db.Collection(s.notificationsName()).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipientId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	return err
}

// classify marks network and timeout failures transient and flips the
// tracked state so the next run reconnects first.
func (s *MongoStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		s.state.Store(int32(Disconnected))
		return markTransient(err)
	}
	return err
}

// dueFilter mirrors domain.Item.DueAt: some reminder untriggered and either
// past its trigger time or without one.
func dueFilter(now time.Time) bson.M {
	return bson.M{
		"reminders": bson.M{
			"$elemMatch": bson.M{
				"triggered": false,
				"$or": bson.A{
					bson.M{"triggerTime": bson.M{"$lte": now}},
					bson.M{"triggerTime": nil},
				},
			},
		},
	}
}

func (s *MongoStore) FindDueReminders(ctx context.Context, coll domain.Collection, now time.Time, skip, limit int) ([]domain.Item, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(skip))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := db.Collection(string(coll)).Find(ctx, dueFilter(now), opts)
	if err != nil {
		return nil, s.classify(fmt.Errorf("find due %s: %w", coll, err))
	}
	defer cur.Close(ctx)

	var out []domain.Item
	for cur.Next(ctx) {
		var it domain.Item
		if err := cur.Decode(&it); err != nil {
			s.log.Warn("skipping undecodable item", logx.String("collection", string(coll)), logx.Err(err))
			continue
		}
		if it.Collection == "" {
			it.Collection = coll
		}
		if err := it.Validate(); err != nil {
			s.log.Warn("skipping malformed item", logx.String("collection", string(coll)), logx.Err(err))
			continue
		}
		out = append(out, it)
	}
	return out, s.classify(cur.Err())
}

func (s *MongoStore) AdvanceItem(ctx context.Context, coll domain.Collection, id string, u ItemUpdate) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	if u.Empty() {
		return nil
	}

	set := bson.M{"updatedAt": s.now()}
	unset := bson.M{}
	for _, i := range u.ReminderIndexes() {
		set["reminders."+strconv.Itoa(i)] = u.Reminders[i]
	}
	if u.StartTime != nil {
		set["startTime"] = *u.StartTime
	}
	if u.EndTime != nil {
		set["endTime"] = *u.EndTime
	}
	if u.NextRun != nil {
		// NextRun is a pointer to pointer
		// - if the inner pointer is nil, drop the field
		// - otherwise, set it to the time value
		if *u.NextRun == nil {
			unset["repeat.nextRun"] = ""
		} else {
			set["repeat.nextRun"] = **u.NextRun
		}
	}
	if u.Remaining != nil {
		set["repeat.remaining"] = *u.Remaining
	}
	if u.Ended != nil {
		set["repeat.ended"] = *u.Ended
	}

	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	filter := bson.M{"_id": id}
	if u.ExpectedVersion != nil {
		filter["version"] = *u.ExpectedVersion
	}

	c := db.Collection(string(coll))
	res, err := c.UpdateOne(ctx, filter, update)
	if err != nil {
		return s.classify(fmt.Errorf("advance %s/%s: %w", coll, id, err))
	}
	if res.MatchedCount == 0 {
		n, err := c.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return s.classify(err)
		}
		if n == 0 {
			return fmt.Errorf("advance %s/%s: %w", coll, id, ErrNotFound)
		}
		return fmt.Errorf("advance %s/%s: %w", coll, id, ErrConflict)
	}
	return nil
}

func (s *MongoStore) PutItem(ctx context.Context, it domain.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	db, err := s.database()
	if err != nil {
		return err
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = s.now()
	}
	_, err = db.Collection(string(it.Collection)).ReplaceOne(ctx,
		bson.M{"_id": it.ID}, it, options.Replace().SetUpsert(true))
	return s.classify(err)
}

func (s *MongoStore) GetItem(ctx context.Context, coll domain.Collection, id string) (domain.Item, error) {
	db, err := s.database()
	if err != nil {
		return domain.Item{}, err
	}
	var it domain.Item
	err = db.Collection(string(coll)).FindOne(ctx, bson.M{"_id": id}).Decode(&it)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Item{}, fmt.Errorf("get %s/%s: %w", coll, id, ErrNotFound)
	}
	if err != nil {
		return domain.Item{}, s.classify(err)
	}
	if it.Collection == "" {
		it.Collection = coll
	}
	return it, it.Validate()
}

func (s *MongoStore) LookupOwner(ctx context.Context, id string) (domain.Owner, error) {
	db, err := s.database()
	if err != nil {
		return domain.Owner{}, err
	}
	var o domain.Owner
	err = db.Collection(s.ownersName()).FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Owner{}, fmt.Errorf("owner %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Owner{}, s.classify(err)
	}
	return o, nil
}

func (s *MongoStore) PutOwner(ctx context.Context, o domain.Owner) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	_, err = db.Collection(s.ownersName()).ReplaceOne(ctx,
		bson.M{"_id": o.ID}, o, options.Replace().SetUpsert(true))
	return s.classify(err)
}

func (s *MongoStore) InsertNotification(ctx context.Context, n domain.Notification) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	_, err = db.Collection(s.notificationsName()).InsertOne(ctx, n)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("notification %s: %w", n.ID, ErrDuplicate)
	}
	return s.classify(err)
}

func (s *MongoStore) ConnectionState() ConnState {
	return ConnState(s.state.Load())
}

func (s *MongoStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	old := s.client
	s.client = nil
	s.db = nil
	s.mu.Unlock()
	if old != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := old.Disconnect(dctx); err != nil {
			s.log.Debug("mongo disconnect failed", logx.Err(err))
		}
		cancel()
	}
	s.log.Info("mongo reconnecting", logx.String("database", s.cfg.Database))
	return s.connect(ctx)
}

func (s *MongoStore) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.db = nil
	s.mu.Unlock()
	s.state.Store(int32(Disconnected))
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Disconnect(ctx)
}
