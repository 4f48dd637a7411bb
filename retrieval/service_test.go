package retrieval_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adya9/web-whisper/embeddings"
	"github.com/adya9/web-whisper/index"
	"github.com/adya9/web-whisper/llm"
	"github.com/adya9/web-whisper/query"
	"github.com/adya9/web-whisper/retrieval"
)

type stubEmbedder struct {
	vector  []float32
	err     error
	calls   int
	gotText string
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	s.gotText = text
	if s.err != nil {
		return nil, s.err
	}
	return s.vector, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = s.vector
	}
	return vectors, nil
}

func (s *stubEmbedder) Dimension() int { return len(s.vector) }

var _ embeddings.Embedder = (*stubEmbedder)(nil)

type stubLLM struct {
	answer    string
	err       error
	calls     int
	gotPrompt string
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	if len(messages) > 0 {
		s.gotPrompt = messages[len(messages)-1].Content
	}
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

var _ llm.Client = (*stubLLM)(nil)

type stubStreamLLM struct {
	stubLLM
	chunks    []string
	streamErr error
}

func (s *stubStreamLLM) GenerateStream(ctx context.Context, messages []llm.Message, fn func(string) error) error {
	s.calls++
	if len(messages) > 0 {
		s.gotPrompt = messages[len(messages)-1].Content
	}
	for _, chunk := range s.chunks {
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return s.streamErr
}

var _ llm.StreamClient = (*stubStreamLLM)(nil)

type recordingIndex struct {
	health      index.Health
	healthErr   error
	results     []index.Result
	searchErr   error
	searchCalls int
	gotVector   []float32
	gotOpts     index.SearchOptions
}

func (r *recordingIndex) Init(ctx context.Context) error { return nil }

func (r *recordingIndex) Upsert(ctx context.Context, src index.Source, chunks []index.Chunk) error {
	return nil
}

func (r *recordingIndex) Search(ctx context.Context, vector []float32, opts index.SearchOptions) ([]index.Result, error) {
	r.searchCalls++
	r.gotVector = vector
	r.gotOpts = opts
	if r.searchErr != nil {
		return nil, r.searchErr
	}
	return r.results, nil
}

func (r *recordingIndex) ListSources(ctx context.Context) ([]index.Source, error) { return nil, nil }

func (r *recordingIndex) DeleteSource(ctx context.Context, url string) error { return nil }

func (r *recordingIndex) Health(ctx context.Context) (index.Health, error) {
	return r.health, r.healthErr
}

func (r *recordingIndex) Close(ctx context.Context) error { return nil }

var _ index.Index = (*recordingIndex)(nil)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func healthyIndex(results ...index.Result) *recordingIndex {
	return &recordingIndex{
		health:  index.Health{HasData: true, Chunks: int64(len(results))},
		results: results,
	}
}

func passage(url, title, text string, similarity float64) index.Result {
	return index.Result{SourceURL: url, Title: title, Text: text, Similarity: similarity}
}

func newService(idx index.Index, embedder embeddings.Embedder, llmClient llm.Client) *retrieval.Service {
	return retrieval.NewService(idx, embedder, llmClient, retrieval.Options{}, discardLogger())
}

func TestAskRejectsEmptyMessage(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{1, 0, 0}}
	svc := newService(healthyIndex(), embedder, nil)

	_, err := svc.Ask(context.Background(), "   ")
	assert.ErrorIs(t, err, retrieval.ErrEmptyMessage)
	assert.Zero(t, embedder.calls)
}

func TestAskGreetingSkipsSearch(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{1, 0, 0}}
	idx := healthyIndex()
	svc := newService(idx, embedder, &stubLLM{answer: "should not be used"})

	resp, err := svc.Ask(context.Background(), "Hello!")
	require.NoError(t, err)
	assert.Equal(t, "Hi there! Ask me anything about the pages I have indexed.", resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, embedder.calls)
	assert.Zero(t, idx.searchCalls)
}

func TestAskEmptyIndexShortCircuits(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{1, 0, 0}}
	idx := &recordingIndex{health: index.Health{HasData: false}}
	svc := newService(idx, embedder, nil)

	resp, err := svc.Ask(context.Background(), "what is on the pricing page")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "nothing to search")
	assert.Empty(t, resp.Sources)
	assert.Zero(t, embedder.calls)
	assert.Zero(t, idx.searchCalls)
}

func TestAskRejectsTooShortQuestion(t *testing.T) {
	svc := newService(healthyIndex(), &stubEmbedder{vector: []float32{1, 0, 0}}, nil)

	_, err := svc.Ask(context.Background(), "x")
	assert.ErrorIs(t, err, query.ErrTooShort)
}

func TestAskAnswersWithSources(t *testing.T) {
	idx := healthyIndex(
		passage("https://a.example/pricing", "Pricing", "Plans start at ten euros per month.", 0.91),
		passage("https://b.example/faq", "FAQ", "Yearly billing gets two months free.", 0.74),
	)
	generator := &stubLLM{answer: "Plans start at ten euros a month, with a discount for yearly billing."}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	resp, err := svc.Ask(context.Background(), "how much does the product cost")
	require.NoError(t, err)

	assert.Equal(t, generator.answer, resp.Answer)
	assert.False(t, resp.Fallback)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "https://a.example/pricing", resp.Sources[0].URL)
	assert.Equal(t, "Pricing", resp.Sources[0].Title)
	assert.InDelta(t, 0.91, resp.Sources[0].Similarity, 1e-9)
	assert.Equal(t, "Plans start at ten euros per month.", resp.Sources[0].Snippet)
	assert.Equal(t, "https://b.example/faq", resp.Sources[1].URL)

	assert.Contains(t, generator.gotPrompt, "how much does the product cost")
	assert.Contains(t, generator.gotPrompt, "Passage 1")
	assert.Contains(t, generator.gotPrompt, "Plans start at ten euros per month.")
	assert.Contains(t, generator.gotPrompt, "Yearly billing gets two months free.")
}

func TestAskGroupsPassagesFromSamePage(t *testing.T) {
	idx := healthyIndex(
		passage("https://a.example/doc", "Doc", "First passage.", 0.9),
		passage("https://a.example/doc", "Doc", "Second passage.", 0.8),
		passage("https://b.example/doc", "Other", "Third passage.", 0.7),
	)
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, nil)

	resp, err := svc.Ask(context.Background(), "what do the documents say")
	require.NoError(t, err)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "https://a.example/doc", resp.Sources[0].URL)
	assert.InDelta(t, 0.9, resp.Sources[0].Similarity, 1e-9)
	assert.Equal(t, "https://b.example/doc", resp.Sources[1].URL)
}

func TestAskDegradesWhenHealthProbeFails(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{1, 0, 0}}
	idx := &recordingIndex{healthErr: errors.New("connection refused")}
	svc := newService(idx, embedder, nil)

	resp, err := svc.Ask(context.Background(), "what is on the pricing page")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "couldn't find anything relevant")
	assert.Empty(t, resp.Sources)
	assert.Zero(t, embedder.calls)
}

func TestAskDegradesWhenEmbedderFails(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "A", "text", 0.9))
	svc := newService(idx, &stubEmbedder{err: errors.New("provider down")}, nil)

	resp, err := svc.Ask(context.Background(), "what is on the pricing page")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "couldn't find anything relevant")
	assert.Empty(t, resp.Sources)
	assert.Zero(t, idx.searchCalls)
}

func TestAskDegradesWhenSearchFails(t *testing.T) {
	idx := &recordingIndex{
		health:    index.Health{HasData: true, Chunks: 3},
		searchErr: errors.New("timeout"),
	}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, nil)

	resp, err := svc.Ask(context.Background(), "what is on the pricing page")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "couldn't find anything relevant")
	assert.Empty(t, resp.Sources)
}

func TestAskDegradesWhenNothingMatches(t *testing.T) {
	idx := &recordingIndex{health: index.Health{HasData: true, Chunks: 3}}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, nil)

	resp, err := svc.Ask(context.Background(), "what is on the pricing page")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "couldn't find anything relevant")
	assert.Empty(t, resp.Sources)
}

func TestAskNameQueryWidensRecall(t *testing.T) {
	results := []index.Result{
		passage("https://a.example/1", "One", "text", 0.9),
		passage("https://a.example/2", "Two", "text", 0.8),
		passage("https://a.example/3", "Three", "text", 0.7),
		passage("https://a.example/4", "Four", "text", 0.6),
		passage("https://a.example/5", "Five", "text", 0.5),
		passage("https://a.example/6", "Six", "text", 0.4),
	}

	idx := healthyIndex(results...)
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, nil)
	resp, err := svc.Ask(context.Background(), "Tell me about John Smith")
	require.NoError(t, err)
	assert.Equal(t, 8, idx.gotOpts.TopK)
	assert.Len(t, resp.Sources, 5)

	idx = healthyIndex(results...)
	svc = newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, nil)
	resp, err = svc.Ask(context.Background(), "what do these pages describe")
	require.NoError(t, err)
	assert.Equal(t, 5, idx.gotOpts.TopK)
	assert.Len(t, resp.Sources, 3)
}

func TestAskFallbackMatchSoftensAnswer(t *testing.T) {
	fallback := passage("https://a.example", "A", "Closest passage text.", 0.2)
	fallback.Fallback = true

	generator := &stubLLM{answer: "The closest thing I found mentions passages."}
	svc := newService(healthyIndex(fallback), &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	resp, err := svc.Ask(context.Background(), "what is on the pricing page")
	require.NoError(t, err)
	assert.True(t, resp.Fallback)
	assert.Contains(t, resp.Answer, generator.answer)
	assert.NotEqual(t, generator.answer, resp.Answer)
	assert.True(t, strings.HasPrefix(resp.Answer, "I'm not fully confident"))
}

func TestAskWithoutGeneratorQuotesBestPassage(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "About Us", "We build rocket skateboards.", 0.9))
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, nil)

	resp, err := svc.Ask(context.Background(), "what does the company build")
	require.NoError(t, err)
	assert.Equal(t, `From "About Us": We build rocket skateboards.`, resp.Answer)
}

func TestAskGeneratorFailureFallsBackToPassage(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "About Us", "We build rocket skateboards.", 0.9))
	generator := &stubLLM{err: errors.New("model offline")}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	resp, err := svc.Ask(context.Background(), "what does the company build")
	require.NoError(t, err)
	assert.Equal(t, 1, generator.calls)
	assert.Contains(t, resp.Answer, "We build rocket skateboards.")
}

func TestAskStreamDeliversChunksInOrder(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "A", "passage text", 0.9))
	generator := &stubStreamLLM{chunks: []string{"We build ", "rocket ", "skateboards."}}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	var got []string
	resp, err := svc.AskStream(context.Background(), "what does the company build", func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"We build ", "rocket ", "skateboards."}, got)
	assert.Equal(t, "We build rocket skateboards.", resp.Answer)
}

func TestAskStreamCannedAnswerArrivesWhole(t *testing.T) {
	svc := newService(healthyIndex(), &stubEmbedder{vector: []float32{1, 0, 0}}, nil)

	var got []string
	resp, err := svc.AskStream(context.Background(), "hey there", func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, resp.Answer, got[0])
}

func TestAskStreamCallbackErrorPropagates(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "A", "passage text", 0.9))
	generator := &stubStreamLLM{chunks: []string{"one", "two"}}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	clientGone := errors.New("client gone")
	_, err := svc.AskStream(context.Background(), "what does the company build", func(string) error {
		return clientGone
	})
	assert.ErrorIs(t, err, clientGone)
}

func TestAskStreamInterruptedKeepsPartialAnswer(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "A", "passage text", 0.9))
	generator := &stubStreamLLM{chunks: []string{"Partial answer"}, streamErr: errors.New("connection reset")}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	resp, err := svc.AskStream(context.Background(), "what does the company build", func(string) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Partial answer", resp.Answer)
}

func TestAskStreamFailureBeforeOutputFallsBack(t *testing.T) {
	idx := healthyIndex(passage("https://a.example", "About Us", "We build rocket skateboards.", 0.9))
	generator := &stubStreamLLM{streamErr: errors.New("model offline")}
	svc := newService(idx, &stubEmbedder{vector: []float32{1, 0, 0}}, generator)

	var got []string
	resp, err := svc.AskStream(context.Background(), "what does the company build", func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "We build rocket skateboards.")
	require.Len(t, got, 1)
	assert.Equal(t, resp.Answer, got[0])
}

func TestAskAgainstMemoryIndex(t *testing.T) {
	idx := index.NewMemory(3)
	chunks := []index.Chunk{
		{Ordinal: 0, Text: "Our office is in Lisbon.", Embedding: []float32{1, 0, 0}},
		{Ordinal: 1, Text: "Support answers within a day.", Embedding: []float32{0, 1, 0}},
		{Ordinal: 2, Text: "Shipping takes three business days.", Embedding: []float32{0, 0, 1}},
	}
	require.NoError(t, idx.Upsert(context.Background(), index.Source{
		URL:   "https://example.com/help",
		Title: "Help Center",
	}, chunks))

	svc := newService(idx, &stubEmbedder{vector: []float32{0, 0, 1}}, nil)

	resp, err := svc.Ask(context.Background(), "how long does shipping take")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "Shipping takes three business days.")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "https://example.com/help", resp.Sources[0].URL)
	assert.InDelta(t, 1.0, resp.Sources[0].Similarity, 1e-6)
	assert.False(t, resp.Fallback)
}
