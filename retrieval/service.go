// Package retrieval orchestrates a single question against the indexed
// content: classify, normalize, embed, search, rank, enrich, respond.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/adya9/web-whisper/embeddings"
	"github.com/adya9/web-whisper/index"
	"github.com/adya9/web-whisper/llm"
	"github.com/adya9/web-whisper/metrics"
	"github.com/adya9/web-whisper/query"
)

// ErrEmptyMessage flags a request that carries no message text.
var ErrEmptyMessage = errors.New("message is empty")

const (
	outcomeAnswered   = "answered"
	outcomeGreeting   = "greeting"
	outcomeEmptyIndex = "empty_index"
	outcomeTooShort   = "too_short"
	outcomeDegraded   = "degraded"
	outcomeRejected   = "rejected"
)

const (
	greetingAnswer = "Hi there! Ask me anything about the pages I have indexed."

	emptyIndexAnswer = "I don't have any pages indexed yet, so there is nothing to search. Ingest some content and ask me again."

	lowConfidenceAnswer = "I couldn't find anything relevant to that in the indexed pages. Try rephrasing the question."

	fallbackPreamble = "I'm not fully confident this is what you're after, but here's the closest match I found. "
)

const (
	defaultThreshold      = 0.35
	defaultTopK           = 5
	defaultNameTopK       = 8
	defaultMaxSources     = 3
	defaultNameMaxSources = 5

	snippetLimit = 500
	answerLimit  = 320
)

// Options tunes recall. Name-bearing questions search wider and surface more
// documents than generic ones.
type Options struct {
	Threshold      float64
	TopK           int
	NameTopK       int
	MaxSources     int
	NameMaxSources int
}

// Service answers questions using the vector index. The answer generator is
// optional; without one the service replies with the best passage verbatim.
type Service struct {
	idx      index.Index
	embedder embeddings.Embedder
	llm      llm.Client
	opts     Options
	logger   *logrus.Logger

	// health dedupes concurrent index probes under bursty traffic.
	health singleflight.Group
}

func NewService(idx index.Index, embedder embeddings.Embedder, llmClient llm.Client, opts Options, logger *logrus.Logger) *Service {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.NameTopK <= 0 {
		opts.NameTopK = defaultNameTopK
	}
	if opts.MaxSources <= 0 {
		opts.MaxSources = defaultMaxSources
	}
	if opts.NameMaxSources <= 0 {
		opts.NameMaxSources = defaultNameMaxSources
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Service{
		idx:      idx,
		embedder: embedder,
		llm:      llmClient,
		opts:     opts,
		logger:   logger,
	}
}

// Ask runs the full pipeline and returns a complete response. Internal
// failures on the search path degrade to a low-confidence answer; the only
// errors returned are caller-correctable validation ones.
func (s *Service) Ask(ctx context.Context, message string) (Response, error) {
	return s.ask(ctx, message, nil)
}

// AskStream behaves like Ask but also delivers the answer incrementally
// through fn. Canned answers arrive as a single call.
func (s *Service) AskStream(ctx context.Context, message string, fn func(string) error) (Response, error) {
	return s.ask(ctx, message, fn)
}

func (s *Service) ask(ctx context.Context, message string, streamFn func(string) error) (Response, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		metrics.AskTotal.WithLabelValues(outcomeRejected).Inc()
		return Response{}, ErrEmptyMessage
	}

	log := s.logger.WithField("message_len", len(message))

	if query.IsGreeting(query.CleanTranscription(message)) {
		return s.respond(outcomeGreeting, Response{Answer: greetingAnswer}, streamFn)
	}

	health, err := s.probeHealth(ctx)
	if err != nil {
		log.WithError(err).Warn("index health probe failed")
		return s.respond(outcomeDegraded, Response{Answer: lowConfidenceAnswer}, streamFn)
	}
	if !health.HasData {
		return s.respond(outcomeEmptyIndex, Response{Answer: emptyIndexAnswer}, streamFn)
	}

	q, err := query.Normalize(message)
	if err != nil {
		metrics.AskTotal.WithLabelValues(outcomeTooShort).Inc()
		return Response{}, err
	}

	topK, maxSources := s.opts.TopK, s.opts.MaxSources
	if q.HasName {
		topK, maxSources = s.opts.NameTopK, s.opts.NameMaxSources
	}

	vector, err := s.embedder.Embed(ctx, q.Terms())
	if err != nil {
		log.WithError(err).Warn("query embedding failed")
		return s.respond(outcomeDegraded, Response{Answer: lowConfidenceAnswer}, streamFn)
	}

	start := time.Now()
	results, err := s.idx.Search(ctx, vector, index.SearchOptions{
		TopK:      topK,
		Threshold: s.opts.Threshold,
	})
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.WithError(err).Warn("vector search failed")
		return s.respond(outcomeDegraded, Response{Answer: lowConfidenceAnswer}, streamFn)
	}
	if len(results) == 0 {
		return s.respond(outcomeDegraded, Response{Answer: lowConfidenceAnswer}, streamFn)
	}

	resp := Response{
		Sources:  groupSources(results, maxSources),
		Fallback: results[0].Fallback,
	}

	var preamble string
	if resp.Fallback {
		preamble = fallbackPreamble
		if streamFn != nil {
			if err := streamFn(preamble); err != nil {
				return Response{}, err
			}
		}
	}

	answer, err := s.generate(ctx, q, results, streamFn)
	if err != nil {
		return Response{}, err
	}
	resp.Answer = preamble + answer

	metrics.AskTotal.WithLabelValues(outcomeAnswered).Inc()
	log.WithFields(logrus.Fields{
		"sources":  len(resp.Sources),
		"name":     q.HasName,
		"fallback": resp.Fallback,
	}).Info("answered question")

	return resp, nil
}

func (s *Service) respond(outcome string, resp Response, streamFn func(string) error) (Response, error) {
	metrics.AskTotal.WithLabelValues(outcome).Inc()
	if streamFn != nil {
		if err := streamFn(resp.Answer); err != nil {
			return Response{}, err
		}
	}
	return resp, nil
}

func (s *Service) probeHealth(ctx context.Context) (index.Health, error) {
	v, err, _ := s.health.Do("health", func() (any, error) {
		return s.idx.Health(ctx)
	})
	if err != nil {
		return index.Health{}, err
	}
	return v.(index.Health), nil
}

// generate produces the spoken answer. Provider failures fall back to the
// best passage verbatim; only stream-callback errors propagate.
func (s *Service) generate(ctx context.Context, q query.Query, results []index.Result, streamFn func(string) error) (string, error) {
	if s.llm == nil {
		return s.deliver(extractiveAnswer(results), streamFn)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: formatUserPrompt(q.Cleaned, results)},
	}

	if streamFn != nil {
		if streamer, ok := s.llm.(llm.StreamClient); ok {
			var sb strings.Builder
			var cbErr error
			err := streamer.GenerateStream(ctx, messages, func(chunk string) error {
				if chunk == "" {
					return nil
				}
				sb.WriteString(chunk)
				if err := streamFn(chunk); err != nil {
					cbErr = err
					return err
				}
				return nil
			})
			if cbErr != nil {
				return "", cbErr
			}
			if err == nil {
				return strings.TrimSpace(sb.String()), nil
			}
			if sb.Len() > 0 {
				// Part of the answer is already on the wire; keep it.
				s.logger.WithError(err).Warn("answer stream interrupted")
				return strings.TrimSpace(sb.String()), nil
			}
			s.logger.WithError(err).Warn("answer stream failed")
			return s.deliver(extractiveAnswer(results), streamFn)
		}
	}

	answer, err := s.llm.Generate(ctx, messages)
	if err != nil {
		s.logger.WithError(err).Warn("answer generation failed")
		return s.deliver(extractiveAnswer(results), streamFn)
	}
	return s.deliver(strings.TrimSpace(answer), streamFn)
}

func (s *Service) deliver(answer string, streamFn func(string) error) (string, error) {
	if streamFn != nil {
		if err := streamFn(answer); err != nil {
			return "", err
		}
	}
	return answer, nil
}

// groupSources collapses passage hits into one reference per page. Results
// arrive ranked, so the first hit per URL carries its best similarity and
// insertion order already follows it.
func groupSources(results []index.Result, limit int) []SourceRef {
	grouped := make(map[string]int, len(results))
	sources := make([]SourceRef, 0, len(results))
	for _, r := range results {
		if _, ok := grouped[r.SourceURL]; ok {
			continue
		}
		grouped[r.SourceURL] = len(sources)
		sources = append(sources, SourceRef{
			URL:        r.SourceURL,
			Title:      r.Title,
			Similarity: r.Similarity,
			Snippet:    trimSnippet(r.Text, snippetLimit),
		})
	}
	if len(sources) > limit {
		sources = sources[:limit]
	}
	return sources
}

func extractiveAnswer(results []index.Result) string {
	if len(results) == 0 {
		return lowConfidenceAnswer
	}
	top := results[0]
	snippet := trimSnippet(top.Text, answerLimit)
	if top.Title != "" {
		return fmt.Sprintf("From %q: %s", top.Title, snippet)
	}
	return snippet
}

func trimSnippet(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

const systemPrompt = "You are the voice of a website, answering questions from its indexed pages. " +
	"Ground every claim in the supplied passages and mention the page title when you draw from one. " +
	"The reply is spoken aloud, so keep it short, plain, and free of markdown. " +
	"If the passages do not answer the question, say so instead of guessing."

func formatUserPrompt(question string, results []index.Result) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nPassages from indexed pages:\n\n")
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = r.SourceURL
		}
		fmt.Fprintf(&sb, "Passage %d, from %q (%s):\n%s\n\n", i+1, title, r.SourceURL, strings.TrimSpace(r.Text))
	}
	sb.WriteString("Answer the question using only the passages above.")
	return sb.String()
}
