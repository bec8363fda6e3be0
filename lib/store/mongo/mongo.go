// Package mongo implements the stream store interface for MongoDB. Each payee maps to one document in the
// "streams" collection of the "ledger" database; state transitions are single FindOneAndUpdate calls whose
// filters carry the expected state, so they are atomic per key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/streamfi/streamd/lib/store"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// mongoClaim is the BSON shape of a pending claim. Amount travels as a string to keep full decimal precision.
type mongoClaim struct {
	Key       string    `bson:"key"`
	Amount    string    `bson:"amount"`
	NewStart  time.Time `bson:"newStart"`
	StartedAt time.Time `bson:"startedAt"`
}

// mongoStream is the BSON shape of a stream record, keyed by payee.
type mongoStream struct {
	Payee        string      `bson:"_id"`
	Rate         string      `bson:"rate"`
	AccrualStart time.Time   `bson:"accrualStart"`
	TotalClaimed string      `bson:"totalClaimed"`
	State        string      `bson:"state"`
	Claim        *mongoClaim `bson:"claim,omitempty"`
	LastKey      string      `bson:"lastKey,omitempty"`
	LastRef      string      `bson:"lastRef,omitempty"`
}

// Stream converts a mongoStream to the store.Stream type.
func (m mongoStream) Stream() (store.Stream, error) {
	rate, err := decimal.NewFromString(m.Rate)
	if err != nil {
		return store.Stream{}, fmt.Errorf("corrupt rate %q in db: %w", m.Rate, err)
	}

	total, err := decimal.NewFromString(m.TotalClaimed)
	if err != nil {
		return store.Stream{}, fmt.Errorf("corrupt totalClaimed %q in db: %w", m.TotalClaimed, err)
	}

	s := store.Stream{
		Payee:        m.Payee,
		Rate:         rate,
		AccrualStart: m.AccrualStart,
		TotalClaimed: total,
		State:        m.State,
		LastKey:      m.LastKey,
		LastRef:      m.LastRef,
	}

	if m.Claim != nil {
		amt, err := decimal.NewFromString(m.Claim.Amount)
		if err != nil {
			return store.Stream{}, fmt.Errorf("corrupt claim amount %q in db: %w", m.Claim.Amount, err)
		}

		s.Claim = &store.Claim{
			Key:       m.Claim.Key,
			Amount:    amt,
			NewStart:  m.Claim.NewStart,
			StartedAt: m.Claim.StartedAt,
		}
	}

	return s, nil
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col() *mgo.Collection {
	return m.c.Database("ledger").Collection("streams")
}

// CreateStream saves a new ACTIVE stream. A CLOSED record for the same payee is replaced; any other existing
// record yields ErrAlreadyActive via the unique _id.
func (m *Mongo) CreateStream(s store.Stream) (store.Stream, error) {
	doc := mongoStream{
		Payee:        s.Payee,
		Rate:         s.Rate.String(),
		AccrualStart: s.AccrualStart,
		TotalClaimed: s.TotalClaimed.String(),
		State:        store.StreamActive,
	}

	// replace a closed record or insert a fresh one; an ACTIVE record makes the upsert collide on _id
	_, err := m.col().ReplaceOne(context.Background(),
		bson.M{"_id": s.Payee, "state": store.StreamClosed},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		if mgo.IsDuplicateKeyError(err) {
			return store.Stream{}, store.ErrAlreadyActive
		}

		return store.Stream{}, fmt.Errorf("could not insert stream in db: %w", err)
	}

	return doc.Stream()
}

// GetStream returns the stream for the payee.
func (m *Mongo) GetStream(payee string) (store.Stream, error) {
	var doc mongoStream

	err := m.col().FindOne(context.Background(), bson.M{"_id": payee}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not read stream from db: %w", err)
	}

	return doc.Stream()
}

// CloseStream transitions the stream to CLOSED from any state, keeping a pending claim for reconciliation.
func (m *Mongo) CloseStream(payee string) (store.Stream, error) {
	var doc mongoStream

	err := m.col().FindOneAndUpdate(context.Background(),
		bson.M{"_id": payee},
		bson.M{"$set": bson.M{"state": store.StreamClosed}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not close stream in db: %w", err)
	}

	return doc.Stream()
}

// BeginClaim atomically transitions ACTIVE -> CLAIM_IN_PROGRESS recording the pending claim. The filter carries
// the accrual start the claim was computed against, so a stale reader cannot begin over an advanced window.
func (m *Mongo) BeginClaim(payee string, prevStart time.Time, c store.Claim) (store.Stream, error) {
	var doc mongoStream

	mc := mongoClaim{Key: c.Key, Amount: c.Amount.String(), NewStart: c.NewStart, StartedAt: c.StartedAt}

	err := m.col().FindOneAndUpdate(context.Background(),
		bson.M{"_id": payee, "state": store.StreamActive, "accrualStart": prevStart},
		bson.M{"$set": bson.M{"state": store.StreamClaiming, "claim": mc}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		// no ACTIVE record: distinguish a missing stream from a conflicting one
		s, errGet := m.GetStream(payee)
		if errGet != nil {
			return store.Stream{}, errGet
		}

		return s, store.ErrClaimConflict
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not begin claim in db: %w", err)
	}

	return doc.Stream()
}

// CommitClaim settles the pending claim matching key. Only the holder of the pending claim can reach this point,
// so the read-compute-update below cannot lose updates: the update filter still requires the claim key and the
// state observed by the read, and retries on interference.
func (m *Mongo) CommitClaim(payee, key, ref string, newStart time.Time, delta decimal.Decimal) (store.Stream, error) {
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := m.GetStream(payee)
		if err != nil {
			return store.Stream{}, err
		}

		if cur.Claim == nil || cur.Claim.Key != key {
			if cur.LastKey == key { // idempotent replay
				return cur, nil
			}

			return cur, store.ErrNoClaim
		}

		state := store.StreamActive
		if cur.State == store.StreamClosed {
			state = store.StreamClosed
		}

		var doc mongoStream

		err = m.col().FindOneAndUpdate(context.Background(),
			bson.M{"_id": payee, "claim.key": key, "state": cur.State},
			bson.M{
				"$set": bson.M{
					"state":        state,
					"accrualStart": newStart,
					"totalClaimed": cur.TotalClaimed.Add(delta).String(),
					"lastKey":      key,
					"lastRef":      ref,
				},
				"$unset": bson.M{"claim": ""},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
		if errors.Is(err, mgo.ErrNoDocuments) {
			continue // state moved underneath us (ie. CloseStream raced), re-read
		}

		if err != nil {
			return store.Stream{}, fmt.Errorf("could not commit claim in db: %w", err)
		}

		return doc.Stream()
	}

	return store.Stream{}, store.ErrNoClaim
}

// AbortClaim drops the pending claim matching key without touching accrual fields.
func (m *Mongo) AbortClaim(payee, key string) (store.Stream, error) {
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := m.GetStream(payee)
		if err != nil {
			return store.Stream{}, err
		}

		if cur.Claim == nil || cur.Claim.Key != key {
			return cur, store.ErrNoClaim
		}

		state := store.StreamActive
		if cur.State == store.StreamClosed {
			state = store.StreamClosed
		}

		var doc mongoStream

		err = m.col().FindOneAndUpdate(context.Background(),
			bson.M{"_id": payee, "claim.key": key, "state": cur.State},
			bson.M{"$set": bson.M{"state": state}, "$unset": bson.M{"claim": ""}},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
		if errors.Is(err, mgo.ErrNoDocuments) {
			continue
		}

		if err != nil {
			return store.Stream{}, fmt.Errorf("could not abort claim in db: %w", err)
		}

		return doc.Stream()
	}

	return store.Stream{}, store.ErrNoClaim
}

// MarkReconcile flags the pending claim matching key as ambiguous.
func (m *Mongo) MarkReconcile(payee, key string) (store.Stream, error) {
	var doc mongoStream

	err := m.col().FindOneAndUpdate(context.Background(),
		bson.M{"_id": payee, "claim.key": key, "state": store.StreamClaiming},
		bson.M{"$set": bson.M{"state": store.StreamReconcile}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		// a CLOSED stream keeps its state; the pending claim alone marks it for the reconciler
		s, errGet := m.GetStream(payee)
		if errGet != nil {
			return store.Stream{}, errGet
		}

		if s.Claim == nil || s.Claim.Key != key {
			return s, store.ErrNoClaim
		}

		return s, nil
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not mark claim for reconciliation in db: %w", err)
	}

	return doc.Stream()
}

// ListByState returns all streams whose state is in states. An empty slice returns every stream.
func (m *Mongo) ListByState(states []string) ([]store.Stream, error) {
	filter := bson.M{}
	if len(states) > 0 {
		filter["state"] = bson.M{"$in": states}
	}

	cur, err := m.col().Find(context.TODO(), filter)
	if err != nil {
		return nil, fmt.Errorf("could not list streams in db: %w", err)
	}

	out := []store.Stream{}

	for cur.Next(context.Background()) {
		var doc mongoStream
		if err = bson.Unmarshal(cur.Current, &doc); err != nil {
			return nil, fmt.Errorf("could not decode stream from db: %w", err)
		}

		s, err := doc.Stream()
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}
