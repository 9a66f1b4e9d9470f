package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	meetingsCollection     = "meetings"
	participantsCollection = "participants"
	chatCollection         = "chat_messages"
)

// MongoStore persists meetings, participant records and chat in MongoDB
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

type participantDoc struct {
	RoomID             string `bson:"roomId"`
	models.Participant `bson:",inline"`
}

// NewMongoStore connects to uri and prepares the indexes it relies on
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(meetingsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "code", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
			"code": bson.M{"$gt": ""},
		}),
	})
	if err != nil {
		return fmt.Errorf("create code index: %w", err)
	}

	_, err = s.db.Collection(participantsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "roomId", Value: 1}, {Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create participant index: %w", err)
	}

	_, err = s.db.Collection(chatCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "sentAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create chat index: %w", err)
	}
	return nil
}

func (s *MongoStore) GetOrCreateMeeting(ctx context.Context, roomID string) (*models.Meeting, error) {
	var meeting models.Meeting
	err := s.db.Collection(meetingsCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": roomID},
		bson.M{"$setOnInsert": bson.M{"createdAt": time.Now(), "scheduled": false, "maxParticipants": 0}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&meeting)
	if err != nil {
		return nil, fmt.Errorf("get or create meeting: %w", err)
	}
	return &meeting, nil
}

func (s *MongoStore) CreateMeeting(ctx context.Context, meeting *models.Meeting) error {
	_, err := s.db.Collection(meetingsCollection).InsertOne(ctx, meeting)
	if mongo.IsDuplicateKeyError(err) {
		return ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMeeting(ctx context.Context, roomID string) (*models.Meeting, error) {
	var meeting models.Meeting
	err := s.db.Collection(meetingsCollection).FindOne(ctx, bson.M{"_id": roomID}).Decode(&meeting)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return &meeting, nil
}

func (s *MongoStore) DeleteMeeting(ctx context.Context, roomID string) error {
	res, err := s.db.Collection(meetingsCollection).DeleteOne(ctx, bson.M{"_id": roomID})
	if err != nil {
		return fmt.Errorf("delete meeting: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrMeetingNotFound
	}
	if _, err := s.db.Collection(participantsCollection).DeleteMany(ctx, bson.M{"roomId": roomID}); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	if _, err := s.db.Collection(chatCollection).DeleteMany(ctx, bson.M{"roomId": roomID}); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

func (s *MongoStore) ResolveRoomID(ctx context.Context, identifier string) (string, error) {
	if !LooksLikeCode(identifier) {
		return identifier, nil
	}
	var meeting models.Meeting
	err := s.db.Collection(meetingsCollection).FindOne(ctx, bson.M{"code": identifier}).Decode(&meeting)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return identifier, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code: %w", err)
	}
	return meeting.ID, nil
}

func (s *MongoStore) AppendChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error {
	msg.RoomID = roomID
	if _, err := s.db.Collection(chatCollection).InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}
	return nil
}

func (s *MongoStore) ListChatHistory(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	cursor, err := s.db.Collection(chatCollection).Find(ctx, bson.M{"roomId": roomID},
		options.Find().SetSort(bson.D{{Key: "sentAt", Value: 1}, {Key: "arrivalOrder", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	defer cursor.Close(ctx)

	out := []models.ChatMessage{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	return out, nil
}

func (s *MongoStore) UpsertParticipantRecord(ctx context.Context, roomID string, p models.Participant) error {
	_, err := s.db.Collection(participantsCollection).ReplaceOne(ctx,
		bson.M{"roomId": roomID, "userId": p.UserID},
		participantDoc{RoomID: roomID, Participant: p},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteParticipantRecord(ctx context.Context, roomID, userID string) error {
	_, err := s.db.Collection(participantsCollection).DeleteOne(ctx, bson.M{"roomId": roomID, "userId": userID})
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
