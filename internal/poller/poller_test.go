package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/dedup"
	"github.com/nextlevelbuilder/wxbridge/internal/relay"
	"github.com/nextlevelbuilder/wxbridge/internal/snapshot"
	"github.com/nextlevelbuilder/wxbridge/internal/store"
	"github.com/nextlevelbuilder/wxbridge/internal/store/file"
)

var targets = []snapshot.Target{
	{ID: "group_with_AI", IsGroup: true, Aliases: []string{"群聊"}},
	{ID: "Mwu！"},
}

func record(content, nickname string) string {
	return `<pushcontent content="` + content + `" nickname="` + nickname + `" />`
}

// fakeRelay records deliveries and fails while fail is set.
type fakeRelay struct {
	mu    sync.Mutex
	calls []bus.Message
	fail  error
}

func (f *fakeRelay) Deliver(_ context.Context, msg bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return f.fail
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRelay) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

// memStore is an in-memory StateStore that can be told to fail saves.
type memStore struct {
	mu      sync.Mutex
	st      store.State
	saves   int
	failErr error
}

func (m *memStore) Load(context.Context) (store.State, error) { return m.st, nil }
func (m *memStore) Save(_ context.Context, st store.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failErr != nil {
		return m.failErr
	}
	m.st = st
	return nil
}
func (m *memStore) Close() error     { return nil }
func (m *memStore) Location() string { return "memory" }

type harness struct {
	reader *snapshot.StaticReader
	relay  *fakeRelay
	state  store.StateStore
	poller *Poller
}

func newHarness(t *testing.T, data string, st store.StateStore) *harness {
	t.Helper()
	persisted, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	h := &harness{
		reader: snapshot.NewStaticReader([]byte(data)),
		relay:  &fakeRelay{},
		state:  st,
	}
	h.poller = New(Config{
		Reader:            h.reader,
		Targets:           targets,
		Relay:             h.relay,
		Dedup:             dedup.New(persisted, dedup.Options{}),
		State:             st,
		Interval:          10 * time.Millisecond,
		MaxSourceFailures: 3,
		DataDir:           "/data",
	})
	return h
}

func mustRun(t *testing.T, p *Poller) CycleResult {
	t.Helper()
	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return res
}

func TestScenarioGroupMessageRelayedOnce(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p relay.Payload
		json.NewDecoder(r.Body).Decode(&p)
		texts = append(texts, p.Text)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := &memStore{}
	reader := snapshot.NewStaticReader([]byte(record("Mwu！ : 大家好", "group_with_AI")))
	d := dedup.New(store.State{}, dedup.Options{})
	p := New(Config{
		Reader:  reader,
		Targets: targets,
		Relay:   relay.NewWebhook(relay.Options{URL: srv.URL, Token: "t"}),
		Dedup:   d,
		State:   st,
	})

	res := mustRun(t, p)
	if res.Relayed != 1 {
		t.Fatalf("first cycle relayed %d, want 1", res.Relayed)
	}
	if len(texts) != 1 || texts[0] != "[微信消息] [group_with_AI] [Mwu！] 大家好" {
		t.Fatalf("webhook texts = %q", texts)
	}
	if d.IsNovel(bus.Message{Target: "group_with_AI", Content: "大家好"}) {
		t.Error("fingerprint not committed")
	}

	res = mustRun(t, p)
	if res.Relayed != 0 || len(texts) != 1 {
		t.Errorf("second cycle relayed %d (texts %d), want 0", res.Relayed, len(texts))
	}
}

func TestIdenticalMessageAcrossCyclesRelayedAtMostOnce(t *testing.T) {
	h := newHarness(t, record("a : hello", "group_with_AI"), &memStore{})
	mustRun(t, h.poller)

	// The app rewrites the store: same logical message at a different offset.
	h.reader.Set([]byte("\x00\x00padding" + record("b :  hello ", "群聊")))
	res := mustRun(t, h.poller)
	if !res.Changed {
		t.Fatal("expected changed snapshot")
	}
	if h.relay.count() != 1 {
		t.Errorf("webhook calls = %d, want 1", h.relay.count())
	}
	if res.Duplicates != 1 {
		t.Errorf("duplicates = %d", res.Duplicates)
	}
}

func TestRestartDoesNotRelayCommitted(t *testing.T) {
	dir := t.TempDir()
	data := record("Mwu！ : 大家好", "group_with_AI") + record("x : 你好", "Mwu！")

	st1, _ := file.NewStateStore(dir)
	h1 := newHarness(t, data, st1)
	mustRun(t, h1.poller)
	if h1.relay.count() != 2 {
		t.Fatalf("first run calls = %d", h1.relay.count())
	}

	// Restart: new store instance, new poller, snapshot bumped so the cursor does not short-circuit.
	st2, _ := file.NewStateStore(dir)
	h2 := newHarness(t, data, st2)
	h2.reader.Set([]byte(data + record("x : 新消息", "Mwu！")))
	res := mustRun(t, h2.poller)
	if h2.relay.count() != 1 || h2.relay.calls[0].Content != "新消息" {
		t.Errorf("after restart calls = %+v, want only the new message", h2.relay.calls)
	}
	if res.Duplicates != 2 {
		t.Errorf("duplicates = %d, want 2", res.Duplicates)
	}
}

func TestFailedRelayRetriedNextCycle(t *testing.T) {
	h := newHarness(t, record("Mwu！ : 大家好", "group_with_AI"), &memStore{})
	h.relay.setFail(fmt.Errorf("%w: connection refused", relay.ErrNetwork))

	res := mustRun(t, h.poller)
	if res.Failed != 1 || res.Relayed != 0 {
		t.Fatalf("res = %+v", res)
	}
	st := h.poller.Status()
	if st.LastError == "" {
		t.Error("status should carry the relay error")
	}
	if st.ProcessedCount != 0 {
		t.Errorf("processed = %d", st.ProcessedCount)
	}

	// Unchanged snapshot: the cursor must not have advanced, so it is retried.
	h.relay.setFail(nil)
	res = mustRun(t, h.poller)
	if res.Relayed != 1 {
		t.Fatalf("retry relayed %d, want 1", res.Relayed)
	}
	if h.relay.count() != 2 {
		t.Errorf("calls = %d, want 2", h.relay.count())
	}
	if h.poller.Status().LastError != "" {
		t.Error("last error should clear after a clean cycle")
	}

	res = mustRun(t, h.poller)
	if res.Changed || h.relay.count() != 2 {
		t.Errorf("third cycle: changed=%v calls=%d", res.Changed, h.relay.count())
	}
}

func TestCorruptRecordDoesNotFailCycle(t *testing.T) {
	data := record("bad : \xff\xfe\x00", "group_with_AI") + record("Mwu！ : 大家好", "group_with_AI")
	h := newHarness(t, data, &memStore{})
	res := mustRun(t, h.poller)
	if res.Skipped != 1 || res.Relayed != 1 {
		t.Fatalf("res = %+v", res)
	}
	if h.relay.calls[0].Content != "大家好" {
		t.Errorf("relayed %+v", h.relay.calls[0])
	}
}

func TestIntraCycleDuplicateAttemptedOnce(t *testing.T) {
	data := record("a : same", "group_with_AI") + record("b : same", "group_with_AI")
	h := newHarness(t, data, &memStore{})
	h.relay.setFail(relay.ErrNetwork)
	res := mustRun(t, h.poller)
	if h.relay.count() != 1 || res.Duplicates != 1 {
		t.Errorf("calls = %d duplicates = %d", h.relay.count(), res.Duplicates)
	}
}

func TestAuthFailureSurfacedInStatus(t *testing.T) {
	h := newHarness(t, record("a : hi", "group_with_AI"), &memStore{})
	h.relay.setFail(fmt.Errorf("%w: webhook http 401", relay.ErrAuth))
	mustRun(t, h.poller)
	if !h.poller.Status().AuthFailing {
		t.Fatal("AuthFailing should be set")
	}
	h.relay.setFail(nil)
	mustRun(t, h.poller)
	if h.poller.Status().AuthFailing {
		t.Error("AuthFailing should clear after a delivery")
	}
}

func TestSaveFailureRetried(t *testing.T) {
	st := &memStore{failErr: errors.New("disk full")}
	h := newHarness(t, record("a : hi", "group_with_AI"), st)
	mustRun(t, h.poller)
	if h.poller.Status().LastError == "" {
		t.Error("save failure should be recorded")
	}

	st.mu.Lock()
	st.failErr = nil
	st.mu.Unlock()
	res := mustRun(t, h.poller)
	if !res.Saved {
		t.Error("state should be saved on the next cycle")
	}
	if len(st.st.Entries) != 1 {
		t.Errorf("persisted entries = %d", len(st.st.Entries))
	}
	if h.relay.count() != 1 {
		t.Errorf("calls = %d; message must not be re-relayed", h.relay.count())
	}
}

func TestSourceUnavailable(t *testing.T) {
	h := newHarness(t, "", &memStore{})
	h.reader.SetErr(errors.New("device offline"))

	_, err := h.poller.RunOnce(context.Background())
	if !errors.Is(err, snapshot.ErrSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	st := h.poller.Status()
	if st.ConsecutiveFailures != 1 || st.LastPollTime == nil || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestRunExitsAfterConsecutiveSourceFailures(t *testing.T) {
	h := newHarness(t, "", &memStore{})
	h.reader.SetErr(errors.New("no such file"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.poller.Run(ctx)
	if !errors.Is(err, ErrSourceExhausted) {
		t.Fatalf("Run = %v, want ErrSourceExhausted", err)
	}
	if h.reader.Reads() != 3 {
		t.Errorf("reads = %d, want 3", h.reader.Reads())
	}
}

func TestRunStopsOnCancelAndWakes(t *testing.T) {
	h := newHarness(t, record("a : hi", "group_with_AI"), &memStore{})
	h.poller.cfg.Interval = time.Hour
	wake := make(chan struct{}, 1)
	h.poller.cfg.Wake = wake

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	waitFor(t, func() bool { return h.reader.Reads() >= 1 })
	if !h.poller.Status().Running {
		t.Error("status should report running")
	}
	wake <- struct{}{}
	waitFor(t, func() bool { return h.reader.Reads() >= 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if h.relay.count() != 1 {
		t.Errorf("calls = %d", h.relay.count())
	}
}

func TestStatusShape(t *testing.T) {
	h := newHarness(t, record("a : hi", "group_with_AI"), &memStore{})
	st := h.poller.Status()
	if st.LastPollTime != nil {
		t.Error("LastPollTime should be nil before the first cycle")
	}
	mustRun(t, h.poller)
	st = h.poller.Status()
	if st.DataDir != "/data" || st.PollIntervalSeconds != 0.01 || st.ProcessedCount != 1 || st.DedupEntries != 1 {
		t.Errorf("status = %+v", st)
	}
	raw, _ := json.Marshal(st)
	var m map[string]any
	json.Unmarshal(raw, &m)
	for _, k := range []string{"dataDir", "pollIntervalSeconds", "lastPollTime", "processedCount", "lastError"} {
		if _, ok := m[k]; !ok {
			t.Errorf("status JSON missing %q: %s", k, raw)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDedupSaturationReported(t *testing.T) {
	data := record("a : one", "群聊") + record("b : two", "群聊") + record("c : three", "群聊")
	reader := snapshot.NewStaticReader([]byte(data))
	rl := &fakeRelay{}
	p := New(Config{
		Reader:  reader,
		Targets: targets,
		Relay:   rl,
		Dedup:   dedup.New(store.State{}, dedup.Options{MaxEntries: 2}),
		State:   &memStore{},
	})

	if res := mustRun(t, p); res.Relayed != 3 {
		t.Fatalf("relayed = %d, want 3", res.Relayed)
	}
	if !p.Status().DedupSaturated {
		t.Error("status should report saturation when candidates exceed max_entries")
	}

	// The evicted fingerprint is relayed again once the snapshot changes.
	reader.Set([]byte(data + "junk"))
	mustRun(t, p)
	if rl.count() <= 3 {
		t.Errorf("calls = %d, expected re-relay of evicted fingerprints", rl.count())
	}

	reader.Set([]byte(record("a : one", "群聊")))
	mustRun(t, p)
	if p.Status().DedupSaturated {
		t.Error("saturation should clear once the snapshot fits")
	}
}
