package sessionregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/chatbridge/gateway/internal/gatewaytypes"
)

type fakeClient struct {
	ids   []string
	calls int
	err   error
}

func (f *fakeClient) CreateSession(ctx context.Context, agentName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id := f.ids[f.calls%len(f.ids)]
	f.calls++
	return id, nil
}

func cfg(strategy gatewaytypes.SessionStrategy) *gatewaytypes.ChannelConfig {
	return &gatewaytypes.ChannelConfig{ID: "cfg1", Strategy: strategy}
}

func msg(userID, threadID, externalID string) *gatewaytypes.NormalizedMessage {
	return &gatewaytypes.NormalizedMessage{
		ExternalID: externalID,
		User:       gatewaytypes.PlatformUser{ID: userID},
		ThreadID:   threadID,
	}
}

func TestResolvePerThreadSameThreadSameSession(t *testing.T) {
	r := New()
	client := &fakeClient{ids: []string{"s1", "s2"}}
	c := cfg(gatewaytypes.StrategyPerThread)

	id1, err := r.Resolve(context.Background(), c, msg("u1", "t1", "m1"), client)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := r.Resolve(context.Background(), c, msg("u1", "t1", "m2"), client)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected same session for same thread, got %q vs %q", id1, id2)
	}

	id3, err := r.Resolve(context.Background(), c, msg("u1", "t2", "m3"), client)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Fatalf("expected distinct session for distinct thread")
	}
}

func TestResolveFailedCreateDoesNotCache(t *testing.T) {
	r := New()
	client := &fakeClient{err: errors.New("boom")}
	c := cfg(gatewaytypes.StrategySingle)

	_, err := r.Resolve(context.Background(), c, msg("u1", "", "m1"), client)
	if err == nil {
		t.Fatal("expected error")
	}
	if r.Size() != 0 {
		t.Fatalf("expected no entry cached after failed create, got %d", r.Size())
	}
}

func TestInvalidateForcesRecreate(t *testing.T) {
	r := New()
	client := &fakeClient{ids: []string{"s1", "s2"}}
	c := cfg(gatewaytypes.StrategySingle)
	m := msg("u1", "", "m1")

	id1, _ := r.Resolve(context.Background(), c, m, client)
	r.Invalidate(c, m)
	id2, _ := r.Resolve(context.Background(), c, m, client)

	if id1 == id2 {
		t.Fatalf("expected new session id after invalidate")
	}
}

func TestGetActiveSessionIDFindsPerUserSession(t *testing.T) {
	r := New()
	client := &fakeClient{ids: []string{"s1"}}
	c := cfg(gatewaytypes.StrategyPerUser)

	sid, _ := r.Resolve(context.Background(), c, msg("u1", "", "m1"), client)

	got, ok := r.GetActiveSessionID("cfg1", "u1")
	if !ok || got != sid {
		t.Fatalf("GetActiveSessionID = (%q, %v), want (%q, true)", got, ok, sid)
	}

	if _, ok := r.GetActiveSessionID("cfg1", "nobody"); ok {
		t.Fatalf("expected no match for unknown user")
	}
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	r := New()
	client := &fakeClient{ids: []string{"s1"}}
	c := cfg(gatewaytypes.StrategySingle)
	r.Resolve(context.Background(), c, msg("u1", "", "m1"), client)

	r.mu.Lock()
	for _, e := range r.entries {
		e.LastUsedAt = e.LastUsedAt.Add(-CleanupAge - 1)
	}
	r.mu.Unlock()

	r.Cleanup()
	if r.Size() != 0 {
		t.Fatalf("expected entries evicted, got %d", r.Size())
	}
}
