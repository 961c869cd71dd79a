package memory

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traces.db")
	s, err := NewStore(path, KeySummarizer{}, NewHashEmbedder(dim))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t, 64)

	tr, err := s.Append(TraceInput{
		Hypothesis:    "momentum persists after earnings",
		TraceJSON:     []byte(`{"hypothesis":"momentum persists after earnings","retry_count":1}`),
		FailureReason: "",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if tr.ID == 0 || tr.RunID == "" {
		t.Fatalf("missing identifiers: %+v", tr)
	}
	if tr.Summary == "" {
		t.Fatal("summary should be populated before embedding")
	}
	if len(tr.Embedding) != 64 {
		t.Fatalf("expected 64-dim embedding, got %d", len(tr.Embedding))
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Hypothesis != tr.Hypothesis {
		t.Fatalf("round trip mismatch: %+v", all)
	}
}

func TestSimilarEmptyStore(t *testing.T) {
	s := newTestStore(t, 32)
	got, err := s.Similar("anything", 5)
	if err != nil {
		t.Fatalf("empty store must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestSimilarSelfTopOne(t *testing.T) {
	s := newTestStore(t, 128)

	var summaries []string
	for i := 0; i < 5; i++ {
		trace := fmt.Sprintf(`{"hypothesis":"hypothesis %d","phase":"approved","attempt":%d}`, i, i)
		tr, err := s.Append(TraceInput{
			Hypothesis: fmt.Sprintf("hypothesis %d", i),
			TraceJSON:  []byte(trace),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		summaries = append(summaries, tr.Summary)
	}

	// Querying with a stored row's own summary must rank that row first:
	// self-similarity beats any distinct hypothesis.
	got, err := s.Similar(summaries[2], 1)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Summary != summaries[2] {
		t.Fatalf("expected self row first, got %q", got[0].Summary)
	}
	if got[0].Similarity < 0.999 {
		t.Fatalf("self similarity should be ~1, got %f", got[0].Similarity)
	}
}

func TestPriorFailuresFiltersFailedRows(t *testing.T) {
	s := newTestStore(t, 32)

	if _, err := s.Append(TraceInput{
		Hypothesis: "clean run",
		TraceJSON:  []byte(`{"hypothesis":"clean run"}`),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(TraceInput{
		Hypothesis:    "vetoed run",
		TraceJSON:     []byte(`{"hypothesis":"vetoed run","failure_reason":"retries exhausted"}`),
		FailureReason: "retries exhausted",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	failed, err := s.PriorFailures("vetoed run", 10)
	if err != nil {
		t.Fatalf("prior failures: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed trace, got %d", len(failed))
	}
	if failed[0].FailureReason != "retries exhausted" {
		t.Fatalf("unexpected failure reason: %q", failed[0].FailureReason)
	}
}

func TestAppendEmptyTraceRejected(t *testing.T) {
	s := newTestStore(t, 32)
	if _, err := s.Append(TraceInput{Hypothesis: "x"}); err == nil {
		t.Fatal("empty trace payload must be rejected")
	}
}

func TestDimMismatchOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.db")
	s, err := NewStore(path, KeySummarizer{}, NewHashEmbedder(32))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.Close()

	if _, err := NewStore(path, KeySummarizer{}, NewHashEmbedder(64)); err == nil {
		t.Fatal("reopening with a different embedding dimension must fail")
	}
}

func TestConcurrentAppendsAndReads(t *testing.T) {
	s := newTestStore(t, 32)

	var wg sync.WaitGroup
	appendErrs := make([]error, 10)
	readErrs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, appendErrs[i] = s.Append(TraceInput{
				Hypothesis: fmt.Sprintf("h%d", i),
				TraceJSON:  []byte(fmt.Sprintf(`{"hypothesis":"h%d"}`, i)),
			})
		}(i)
		go func(i int) {
			defer wg.Done()
			_, readErrs[i] = s.Similar(fmt.Sprintf("h%d", i), 3)
		}(i)
	}
	wg.Wait()
	for i, err := range appendErrs {
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	for i, err := range readErrs {
		if err != nil {
			t.Fatalf("similar %d: %v", i, err)
		}
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(all))
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(96)
	a, err := e.Embed("same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, _ := e.Embed("same text")
	c, _ := e.Embed("different text")

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("identical text produced different vectors at %d", i)
		}
	}
	if cosine(a, c) > 0.9 {
		t.Fatalf("distinct texts should not be near-identical: cos=%f", cosine(a, c))
	}
	if got := cosine(a, b); got < 0.999 {
		t.Fatalf("self cosine should be ~1, got %f", got)
	}
}

func TestKeySummarizer(t *testing.T) {
	sum, err := KeySummarizer{}.Summarize([]byte(`{"b":1,"a":2,"failure_reason":"risk limits exceeded"}`))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	want := "Trace summary with keys: a, b, failure_reason. Failure: risk limits exceeded"
	if sum != want {
		t.Fatalf("expected %q, got %q", want, sum)
	}

	if _, err := (KeySummarizer{}).Summarize([]byte("not json")); err == nil {
		t.Fatal("malformed trace must error")
	}
}
