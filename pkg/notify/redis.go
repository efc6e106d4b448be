package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes events onto Redis Streams. Workers consume with
// consumer groups; trimmed length bounds memory on a slow fleet.
type RedisNotifier struct {
	client         *redis.Client
	documentStream string
	imageStream    string
	autotagStream  string
	maxLen         int64
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	DocumentStream string
	ImageStream    string
	AutotagStream  string
	MaxLen         int64
}

func NewRedisNotifier(cfg RedisConfig) (*RedisNotifier, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	documentStream := strings.TrimSpace(cfg.DocumentStream)
	if documentStream == "" {
		documentStream = "sensory:documents"
	}
	imageStream := strings.TrimSpace(cfg.ImageStream)
	if imageStream == "" {
		imageStream = "sensory:images"
	}
	autotagStream := strings.TrimSpace(cfg.AutotagStream)
	if autotagStream == "" {
		autotagStream = "sensory:autotag"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisNotifier{
		client:         redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}),
		documentStream: documentStream,
		imageStream:    imageStream,
		autotagStream:  autotagStream,
		maxLen:         maxLen,
	}, nil
}

func (n *RedisNotifier) PublishDocument(ctx context.Context, ev DocumentEvent) error {
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.documentStream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"doc_id":      ev.DocID,
			"name":        ev.Name,
			"extension":   ev.Extension,
			"object_path": ev.ObjectPath,
		},
	}).Err()
}

func (n *RedisNotifier) PublishImage(ctx context.Context, ev ImageEvent) error {
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.imageStream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"line_id":     ev.LineID,
			"doc_id":      ev.DocID,
			"filename":    ev.Filename,
			"extension":   ev.Extension,
			"object_path": ev.ObjectPath,
		},
	}).Err()
}

func (n *RedisNotifier) PublishAutotag(ctx context.Context, ev AutotagEvent) error {
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.autotagStream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"task_id": ev.TaskID,
			"doc_id":  ev.DocID,
			"status":  ev.Status,
		},
	}).Err()
}

func (n *RedisNotifier) Close() error { return n.client.Close() }
