package internal

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubPublisher struct {
	topics   []string
	outcomes []Outcome
	failLeft int
	closed   bool
}

func (s *stubPublisher) Publish(ctx context.Context, topic string, outcome Outcome) error {
	if s.failLeft > 0 {
		s.failLeft--
		return errors.New("stub publish failure")
	}
	s.topics = append(s.topics, topic)
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func TestPublisherMuxFansOut(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{}
	mux := &publisherMux{publishers: map[string]Publisher{"a": a, "b": b}}

	outcome := Outcome{WorkspaceID: "ws1", Reason: "membership_change", Repos: []string{"acme/api"}}
	if err := mux.Publish(context.Background(), TopicPermissionsRecomputed, outcome); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, pub := range map[string]*stubPublisher{"a": a, "b": b} {
		if len(pub.topics) != 1 || pub.topics[0] != TopicPermissionsRecomputed {
			t.Fatalf("driver %s topics = %v", name, pub.topics)
		}
		if pub.outcomes[0].WorkspaceID != "ws1" {
			t.Fatalf("driver %s outcome = %+v", name, pub.outcomes[0])
		}
	}
}

func TestPublishWithRetryRecovers(t *testing.T) {
	pub := &stubPublisher{failLeft: 2}
	mux := &publisherMux{
		publishers:    map[string]Publisher{"stub": pub},
		retryAttempts: 3,
		retryDelay:    time.Millisecond,
	}

	if err := mux.Publish(context.Background(), TopicReposSynced, Outcome{WorkspaceID: "ws1"}); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(pub.topics) != 1 {
		t.Fatalf("expected one successful publish, got %d", len(pub.topics))
	}
}

func TestPublishWithRetryExhausted(t *testing.T) {
	pub := &stubPublisher{failLeft: 10}
	mux := &publisherMux{
		publishers:    map[string]Publisher{"stub": pub},
		retryAttempts: 2,
		retryDelay:    time.Millisecond,
	}

	err := mux.Publish(context.Background(), TopicReposSynced, Outcome{WorkspaceID: "ws1"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if pub.failLeft != 8 {
		t.Fatalf("expected 2 attempts, %d failures left", pub.failLeft)
	}
}

func TestPublishWithRetryHonorsContext(t *testing.T) {
	pub := &stubPublisher{failLeft: 10}
	mux := &publisherMux{
		publishers:    map[string]Publisher{"stub": pub},
		retryAttempts: 5,
		retryDelay:    time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mux.Publish(ctx, TopicReposSynced, Outcome{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublisherMuxCloseClosesAll(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{}
	mux := &publisherMux{publishers: map[string]Publisher{"a": a, "b": b}}

	if err := mux.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected both publishers closed")
	}
}

func TestNewPublisherDefaultsToGoChannel(t *testing.T) {
	pub, err := NewPublisher(PublisherConfig{})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish(context.Background(), TopicPermissionsRecomputed, Outcome{WorkspaceID: "ws1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestNewPublisherRejectsUnknownDriver(t *testing.T) {
	if _, err := NewPublisher(PublisherConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestHTTPTargetURL(t *testing.T) {
	cases := []struct {
		name    string
		cfg     HTTPConfig
		topic   string
		want    string
		wantErr bool
	}{
		{name: "base url joins topic", cfg: HTTPConfig{Mode: "base_url", BaseURL: "http://localhost:8080/hooks"}, topic: "permissions.recomputed", want: "http://localhost:8080/hooks/permissions.recomputed"},
		{name: "base url trims slashes", cfg: HTTPConfig{Mode: "base_url", BaseURL: "http://localhost:8080/hooks/"}, topic: "/repos.synced", want: "http://localhost:8080/hooks/repos.synced"},
		{name: "topic url passes through", cfg: HTTPConfig{Mode: "topic_url"}, topic: "http://notify.internal/permsync", want: "http://notify.internal/permsync"},
		{name: "topic url empty topic", cfg: HTTPConfig{Mode: "topic_url"}, topic: "", wantErr: true},
		{name: "unknown mode", cfg: HTTPConfig{Mode: "broadcast"}, topic: "x", wantErr: true},
	}
	for _, tc := range cases {
		got, err := httpTargetURL(tc.cfg, tc.topic)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestAMQPConfigFromMode(t *testing.T) {
	for _, mode := range []string{"", "durable_queue", "nondurable_queue", "durable_pubsub", "nondurable_pubsub"} {
		if _, err := amqpConfigFromMode("amqp://localhost:5672", mode); err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
	}
	if _, err := amqpConfigFromMode("amqp://localhost:5672", "fanout"); err == nil {
		t.Fatal("expected error for unsupported amqp mode")
	}
}

func TestSQLSchemaAdapter(t *testing.T) {
	for _, dialect := range []string{"postgres", "postgresql", "mysql"} {
		if _, err := sqlSchemaAdapter(dialect); err != nil {
			t.Fatalf("dialect %q: %v", dialect, err)
		}
	}
	if _, err := sqlSchemaAdapter("oracle"); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}
