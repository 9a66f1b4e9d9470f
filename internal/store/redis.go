package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const maxChatHistory = 1000

// RedisStore persists meetings, participant records and chat in Redis.
//
// Keys:
//
//	room:<id>               meeting metadata (JSON)
//	code:<code>             room id for a share code
//	room:<id>:participants  hash userId -> participant (JSON)
//	room:<id>:chat          list of chat messages (msgpack)
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps a connected client. Every key expires after ttl.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func meetingKey(roomID string) string      { return "room:" + roomID }
func codeKey(code string) string           { return "code:" + code }
func participantsKey(roomID string) string { return "room:" + roomID + ":participants" }
func chatKey(roomID string) string         { return "room:" + roomID + ":chat" }

func (s *RedisStore) GetOrCreateMeeting(ctx context.Context, roomID string) (*models.Meeting, error) {
	meeting := models.Meeting{ID: roomID, CreatedAt: time.Now()}
	data, err := json.Marshal(meeting)
	if err != nil {
		return nil, err
	}

	// Only the first caller creates it, everyone reads the stored record
	if err := s.client.SetNX(ctx, meetingKey(roomID), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	return s.GetMeeting(ctx, roomID)
}

func (s *RedisStore) CreateMeeting(ctx context.Context, meeting *models.Meeting) error {
	if meeting.Code != "" {
		ok, err := s.client.SetNX(ctx, codeKey(meeting.Code), meeting.ID, s.ttl).Result()
		if err != nil {
			return fmt.Errorf("store room code: %w", err)
		}
		if !ok {
			return ErrCodeTaken
		}
	}

	data, err := json.Marshal(meeting)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, meetingKey(meeting.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store meeting: %w", err)
	}
	return nil
}

func (s *RedisStore) GetMeeting(ctx context.Context, roomID string) (*models.Meeting, error) {
	data, err := s.client.Get(ctx, meetingKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}

	var meeting models.Meeting
	if err := json.Unmarshal(data, &meeting); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return &meeting, nil
}

func (s *RedisStore) DeleteMeeting(ctx context.Context, roomID string) error {
	meeting, err := s.GetMeeting(ctx, roomID)
	if err != nil {
		return err
	}

	keys := []string{meetingKey(roomID), participantsKey(roomID), chatKey(roomID)}
	if meeting.Code != "" {
		keys = append(keys, codeKey(meeting.Code))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) ResolveRoomID(ctx context.Context, identifier string) (string, error) {
	if !LooksLikeCode(identifier) {
		return identifier, nil
	}
	id, err := s.client.Get(ctx, codeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return identifier, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code: %w", err)
	}
	return id, nil
}

func (s *RedisStore) AppendChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, chatKey(roomID), data)
	pipe.LTrim(ctx, chatKey(roomID), -maxChatHistory, -1)
	pipe.Expire(ctx, chatKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}
	return nil
}

func (s *RedisStore) ListChatHistory(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	entries, err := s.client.LRange(ctx, chatKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}

	out := make([]models.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var msg models.ChatMessage
		if err := msgpack.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("decode chat entry: %w", err)
		}
		out = append(out, msg)
	}
	sortHistory(out)
	return out, nil
}

func (s *RedisStore) UpsertParticipantRecord(ctx context.Context, roomID string, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, participantsKey(roomID), p.UserID, data)
	pipe.Expire(ctx, participantsKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteParticipantRecord(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, participantsKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// ParticipantRecords returns the durable participant records of a room
func (s *RedisStore) ParticipantRecords(ctx context.Context, roomID string) ([]models.Participant, error) {
	values, err := s.client.HGetAll(ctx, participantsKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0, len(values))
	for _, v := range values {
		var p models.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
