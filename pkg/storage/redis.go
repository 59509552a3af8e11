package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "zentalk:chat:"

// appendScript pushes a message only while the receiver exists
var appendScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// deleteScript removes an account and its mailbox together
var deleteScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// pullScript takes the whole mailbox; -1 signals an unknown account
var pullScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
	return -1
end
local items = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[2])
return items
`)

// redisMessage is the JSON form of a queued message
type redisMessage struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sent_at"`
	Digest   []byte `json:"digest"`
}

// RedisStore keeps the directory in a set and each mailbox in a list.
// Delivered messages are removed from the list.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the server at redisURL
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func accountsKey() string {
	return redisKeyPrefix + "accounts"
}

func mailboxKey(account string) string {
	return redisKeyPrefix + "mailbox:" + account
}

// Create adds an account
func (s *RedisStore) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	added, err := s.client.SAdd(ctx, accountsKey(), name).Result()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if added == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Exists reports whether the account is known
func (s *RedisStore) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, accountsKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
	return ok, nil
}

// Delete removes the account and its mailbox
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := deleteScript.Run(ctx, s.client, []string{accountsKey(), mailboxKey(name)}, name).Int()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List yields matching names in scan order
func (s *RedisStore) List(ctx context.Context, pattern string) (iter.Seq2[string, error], error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	src := func(yield func(string, error) bool) {
		it := s.client.SScan(ctx, accountsKey(), 0, "", 0).Iterator()
		for it.Next(ctx) {
			if !yield(it.Val(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", fmt.Errorf("failed to scan accounts: %w", err))
		}
	}
	return filterNames(ctx, re, src), nil
}

// Append queues msg for the receiver
func (s *RedisStore) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg = NewMessage(msg.Sender, msg.Receiver, msg.Body)
	}
	msg.Read = false

	data, err := json.Marshal(redisMessage{
		ID:       msg.ID,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Body:     msg.Body,
		SentAt:   msg.SentAt.UnixNano(),
		Digest:   Digest(msg),
	})
	if err != nil {
		return Message{}, err
	}

	keys := []string{accountsKey(), mailboxKey(msg.Receiver)}
	n, err := appendScript.Run(ctx, s.client, keys, msg.Receiver, string(data)).Int()
	if err != nil {
		return Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	if n == 0 {
		return Message{}, ErrUnknownReceiver
	}
	return msg, nil
}

// PullUnread atomically empties the mailbox and yields its messages oldest first
func (s *RedisStore) PullUnread(ctx context.Context, account string) (iter.Seq2[Message, error], error) {
	res, err := pullScript.Run(ctx, s.client, []string{accountsKey(), mailboxKey(account)}, account).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pull messages: %w", err)
	}
	if n, ok := res.(int64); ok && n == -1 {
		return nil, ErrNotFound
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, errors.New("unexpected pull reply")
	}

	return func(yield func(Message, error) bool) {
		for _, item := range items {
			raw, _ := item.(string)
			var rm redisMessage
			if err := json.Unmarshal([]byte(raw), &rm); err != nil {
				yield(Message{}, fmt.Errorf("%w: %v", ErrCorrupted, err))
				return
			}
			msg := Message{
				ID:       rm.ID,
				Sender:   rm.Sender,
				Receiver: rm.Receiver,
				Body:     rm.Body,
				SentAt:   time.Unix(0, rm.SentAt).UTC(),
				Read:     true,
			}
			if err := VerifyDigest(msg, rm.Digest); err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}, nil
}

// HasUnread reports whether account has undelivered messages
func (s *RedisStore) HasUnread(ctx context.Context, account string) (bool, error) {
	n, err := s.client.LLen(ctx, mailboxKey(account)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check unread messages: %w", err)
	}
	return n > 0, nil
}

// Stats counts accounts and unread messages
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Driver: "redis"}

	accounts, err := s.client.SCard(ctx, accountsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count accounts: %w", err)
	}
	stats.Accounts = int(accounts)

	it := s.client.SScan(ctx, accountsKey(), 0, "", 0).Iterator()
	for it.Next(ctx) {
		n, err := s.client.LLen(ctx, mailboxKey(it.Val())).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("failed to count messages: %w", err)
		}
		stats.UnreadMessages += int(n)
	}
	if err := it.Err(); err != nil {
		return Stats{}, fmt.Errorf("failed to scan accounts: %w", err)
	}
	return stats, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
