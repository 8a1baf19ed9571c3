package protomq

import (
	"testing"
)

func newTestRouter() *Server {
	return &Server{subscriptions: make(topicTree, 4)}
}

func testClient() *client {
	return &client{subscriptions: make(topT)}
}

func (s *Server) subscribeFilters(c *client, filters ...string) {
	topics := make([][]string, 0, len(filters))
	for _, f := range filters {
		topics = append(topics, splitTopic(f))
	}
	s.addSubscriptions(c, topics, make([]uint8, len(topics)))
}

func (s *Server) matched(topic string) map[*client]struct{} {
	targets := make(map[*client]struct{}, 2)
	s.subLock.RLock()
	s.matchSubscribers(splitTopic(topic), targets)
	s.subLock.RUnlock()
	return targets
}

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"a", "a", true},
		{"a", "b", false},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},

		{"#", "a", true},
		{"#", "a/b/c", true},
		{"#", "$SYS/discovery/response", true},
		{"sport/#", "sport", true}, // parent level is matched by '#'
		{"sport/#", "sport/tennis", true},
		{"sport/#", "sport/tennis/player1", true},
		{"sport/#", "other", false},

		{"+", "foo", true},
		{"+", "foo/bar", false},
		{"sport/+", "sport/tennis", true},
		{"sport/+", "sport", false},
		{"sport/+", "sport/", false}, // '+' requires a non-empty level
		{"sport/+", "sport/tennis/player1", false},
		{"+/tennis/#", "sport/tennis", true},
		{"+/tennis/#", "sport/tennis/player1", true},
		{"+/tennis/#", "sport/squash", false},
		{"sport/+/player1", "sport/tennis/player1", true},
		{"sport/+/player1", "sport/tennis/player2", false},

		{"$SYS/discovery/response", "$SYS/discovery/response", true},
	}

	for _, c := range cases {
		s := newTestRouter()
		sub := testClient()
		s.subscribeFilters(sub, c.filter)

		_, got := s.matched(c.topic)[sub]
		if got != c.match {
			t.Errorf("filter %q vs topic %q: got match %v, want %v", c.filter, c.topic, got, c.match)
		}
	}
}

// A client with several overlapping filters must be collected at most once.
func TestMatchDeduplicatesClient(t *testing.T) {
	s := newTestRouter()
	c := testClient()
	s.subscribeFilters(c, "a/#", "a/+", "a/b")

	targets := s.matched("a/b")
	if len(targets) != 1 {
		t.Fatalf("expected exactly 1 target, got %d", len(targets))
	}
	if _, ok := targets[c]; !ok {
		t.Fatal("subscriber missing from match set")
	}
}

func TestMatchMultipleClients(t *testing.T) {
	s := newTestRouter()
	a, b, c := testClient(), testClient(), testClient()
	s.subscribeFilters(a, "a/#")
	s.subscribeFilters(b, "a/#")
	s.subscribeFilters(c, "a/b")

	targets := s.matched("a/b/c")
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if _, ok := targets[c]; ok {
		t.Fatal("client subscribed to a/b must not match a/b/c")
	}
}

func TestUnsubscribeRemovesFilter(t *testing.T) {
	s := newTestRouter()
	c := testClient()
	s.subscribeFilters(c, "a/b", "x/#")

	s.removeSubscriptions(c, [][]string{splitTopic("a/b")})

	if len(s.matched("a/b")) != 0 {
		t.Fatal("unsubscribed filter still matches")
	}
	if len(s.matched("x/y")) != 1 {
		t.Fatal("remaining filter no longer matches")
	}
}

// After removeClientSubscriptions the client appears in no subscription list.
func TestRemoveClientPurgesAllFilters(t *testing.T) {
	s := newTestRouter()
	c, other := testClient(), testClient()
	s.subscribeFilters(c, "a/b", "a/#", "+", "deep/l1/l2/l3")
	s.subscribeFilters(other, "a/b")

	s.removeClientSubscriptions(c)

	for _, topic := range []string{"a/b", "a/x", "foo", "deep/l1/l2/l3"} {
		if _, ok := s.matched(topic)[c]; ok {
			t.Fatalf("removed client still matches %q", topic)
		}
	}
	if _, ok := s.matched("a/b")[other]; !ok {
		t.Fatal("other client's subscription was disturbed")
	}
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	s := newTestRouter()
	c := testClient()
	s.subscribeFilters(c, "a/b")
	s.subscribeFilters(c, "a/b")

	if len(s.matched("a/b")) != 1 {
		t.Fatal("duplicate subscription changed the match set")
	}
}

func TestCheckTopicFilter(t *testing.T) {
	valid := []string{"#", "+", "a/b", "a/+/b", "a/b/#", "+/+/#", "$SYS/discovery/response"}
	for _, f := range valid {
		if err := checkTopicFilter(f); err != nil {
			t.Errorf("filter %q unexpectedly rejected: %v", f, err)
		}
	}

	invalid := []string{"", "a/#/b", "a#", "#a", "a+/b", "sport/ten+nis"}
	for _, f := range invalid {
		if err := checkTopicFilter(f); err == nil {
			t.Errorf("filter %q unexpectedly accepted", f)
		}
	}
}
