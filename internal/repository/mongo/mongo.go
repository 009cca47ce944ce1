// Package mongo implements repository.UserRepository on MongoDB.
//
// Documents live in the "users" collection with camelCase field names, so a
// collection written by earlier deployments of this service reads as-is.
// Uniqueness of username and email is enforced by unique indexes created in
// New; a duplicate insert or update surfaces as apperror.ErrConflict.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/repository"
)

const collectionName = "users"

var _ repository.UserRepository = (*Store)(nil)

// Store is a MongoDB-backed user repository.
type Store struct {
	client *mongo.Client
	users  *mongo.Collection
}

// userDocument is the stored shape of a user.
type userDocument struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	Username     string        `bson:"username"`
	Email        string        `bson:"email"`
	Fullname     string        `bson:"fullname"`
	Avatar       string        `bson:"avatar"`
	CoverImage   string        `bson:"coverImage,omitempty"`
	Password     string        `bson:"password"`
	RefreshToken string        `bson:"refreshToken,omitempty"`
	CreatedAt    time.Time     `bson:"createdAt"`
	UpdatedAt    time.Time     `bson:"updatedAt"`
}

func (d *userDocument) toModel() *model.User {
	return &model.User{
		ID:           d.ID.Hex(),
		Username:     d.Username,
		Email:        d.Email,
		Fullname:     d.Fullname,
		Avatar:       d.Avatar,
		CoverImage:   d.CoverImage,
		Password:     d.Password,
		RefreshToken: d.RefreshToken,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// New connects to uri, verifies the connection and makes sure the indexes
// exist. The caller owns the returned Store and must Close it.
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connecting: %w", err)
	}

	s := &Store{
		client: client,
		users:  client.Database(database).Collection(collectionName),
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("username_unique"),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_unique"),
		},
		{
			Keys:    bson.D{{Key: "fullname", Value: 1}},
			Options: options.Index().SetName("fullname"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: creating indexes: %w", err)
	}
	return nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := userDocument{
		ID:           bson.NewObjectID(),
		Username:     user.Username,
		Email:        user.Email,
		Fullname:     user.Fullname,
		Avatar:       user.Avatar,
		CoverImage:   user.CoverImage,
		Password:     user.Password,
		RefreshToken: user.RefreshToken,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperror.Conflict("User already exists").WithCause(err)
		}
		return fmt.Errorf("mongo: inserting user %q: %w", user.Username, err)
	}

	user.ID = doc.ID.Hex()
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperror.NotFoundID("user", id)
	}
	return s.findOne(ctx, bson.D{{Key: "_id", Value: oid}}, apperror.NotFoundID("user", id))
}

func (s *Store) FindOne(ctx context.Context, by repository.LookupCriteria) (*model.User, error) {
	var or bson.A
	if by.Username != "" {
		or = append(or, bson.D{{Key: "username", Value: by.Username}})
	}
	if by.Email != "" {
		or = append(or, bson.D{{Key: "email", Value: by.Email}})
	}
	if len(or) == 0 {
		return nil, apperror.NotFound("User not found")
	}
	return s.findOne(ctx, bson.D{{Key: "$or", Value: or}}, apperror.NotFound("User not found"))
}

func (s *Store) findOne(ctx context.Context, filter bson.D, notFound error) (*model.User, error) {
	var doc userDocument
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound
		}
		return nil, fmt.Errorf("mongo: finding user: %w", err)
	}
	return doc.toModel(), nil
}

func (s *Store) List(ctx context.Context) ([]model.User, error) {
	cursor, err := s.users.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: listing users: %w", err)
	}

	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decoding users: %w", err)
	}

	users := make([]model.User, 0, len(docs))
	for i := range docs {
		users = append(users, *docs[i].toModel())
	}
	return users, nil
}

func (s *Store) Update(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperror.NotFoundID("user", id)
	}

	set := bson.D{{Key: "updatedAt", Value: time.Now().UTC().Truncate(time.Millisecond)}}
	add := func(field string, v *string) {
		if v != nil {
			set = append(set, bson.E{Key: field, Value: *v})
		}
	}
	add("fullname", upd.Fullname)
	add("email", upd.Email)
	add("avatar", upd.Avatar)
	add("coverImage", upd.CoverImage)
	add("password", upd.Password)

	var doc userDocument
	err = s.users.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			return nil, apperror.NotFoundID("user", id)
		case mongo.IsDuplicateKeyError(err):
			return nil, apperror.Conflict("User with this email already exists").WithCause(err)
		}
		return nil, fmt.Errorf("mongo: updating user %s: %w", id, err)
	}
	return doc.toModel(), nil
}

// SetRefreshToken stores token, or removes the field entirely when token is empty.
func (s *Store) SetRefreshToken(ctx context.Context, id, token string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return apperror.NotFoundID("user", id)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	var update bson.D
	if token == "" {
		update = bson.D{
			{Key: "$unset", Value: bson.D{{Key: "refreshToken", Value: 1}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: now}}},
		}
	} else {
		update = bson.D{{Key: "$set", Value: bson.D{
			{Key: "refreshToken", Value: token},
			{Key: "updatedAt", Value: now},
		}}}
	}

	res, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, update)
	if err != nil {
		return fmt.Errorf("mongo: setting refresh token for %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFoundID("user", id)
	}
	return nil
}

// RotateRefreshToken matches on the old token as well as the id, so the swap
// is a single atomic compare-and-set.
func (s *Store) RotateRefreshToken(ctx context.Context, id, current, next string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return apperror.NotFoundID("user", id)
	}

	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: oid}, {Key: "refreshToken", Value: current}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "refreshToken", Value: next},
			{Key: "updatedAt", Value: time.Now().UTC().Truncate(time.Millisecond)},
		}}},
	)
	if err != nil {
		return fmt.Errorf("mongo: rotating refresh token for %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("Refresh token is no longer current")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return apperror.NotFoundID("user", id)
	}
	res, err := s.users.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return fmt.Errorf("mongo: deleting user %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return apperror.NotFoundID("user", id)
	}
	return nil
}
