package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestNotifier(t *testing.T) (*RedisNotifier, context.Context) {
	t.Helper()
	srv := miniredis.RunT(t)
	n, err := NewRedisNotifier(RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n, context.Background()
}

func TestRedisNotifierPublishDocument(t *testing.T) {
	n, ctx := newTestNotifier(t)

	ev := DocumentEvent{
		DocID:      "doc-1",
		Name:       "report.pdf",
		Extension:  "pdf",
		ObjectPath: "pdf/doc1/raw/report.pdf",
	}
	if err := n.PublishDocument(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := n.client.XRange(ctx, n.documentStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	got := msgs[0].Values
	if got["doc_id"] != "doc-1" || got["object_path"] != "pdf/doc1/raw/report.pdf" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestRedisNotifierPublishImage(t *testing.T) {
	n, ctx := newTestNotifier(t)

	ev := ImageEvent{
		LineID:     "line-1",
		DocID:      "doc-1",
		Filename:   "cafe01.png",
		Extension:  "pdf",
		ObjectPath: "pdf/doc1/images/cafe01.png",
	}
	if err := n.PublishImage(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := n.client.XRange(ctx, n.imageStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	got := msgs[0].Values
	if got["line_id"] != "line-1" || got["object_path"] != "pdf/doc1/images/cafe01.png" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestRedisNotifierPublishAutotag(t *testing.T) {
	n, ctx := newTestNotifier(t)

	if err := n.PublishAutotag(ctx, AutotagEvent{TaskID: "task-1", DocID: "doc-1", Status: "enqueued"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := n.client.XRange(ctx, n.autotagStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Values["task_id"] != "task-1" {
		t.Fatalf("unexpected autotag stream contents: %+v", msgs)
	}
}

func TestRedisNotifierDefaults(t *testing.T) {
	srv := miniredis.RunT(t)
	n, err := NewRedisNotifier(RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer n.Close()
	if n.documentStream != "sensory:documents" || n.imageStream != "sensory:images" || n.autotagStream != "sensory:autotag" {
		t.Fatalf("unexpected default streams: %s %s %s", n.documentStream, n.imageStream, n.autotagStream)
	}
	if _, err := NewRedisNotifier(RedisConfig{}); err == nil {
		t.Fatalf("empty addr should be rejected")
	}
}

var _ Notifier = (*RedisNotifier)(nil)
var _ Notifier = (*MemoryNotifier)(nil)
