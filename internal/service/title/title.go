package title

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"synapdocs/internal/config"
	"synapdocs/internal/logging"
	"synapdocs/internal/models"
	"synapdocs/internal/observability"
)

const (
	DefaultTimeout = 30 * time.Second
	maxTitleRunes  = 60
	maxAnswerRunes = 2000
)

const systemPrompt = "You are a conversation title generator. " +
	"Based on the user's question about their documents and the answer, generate a concise title for the conversation. " +
	"Use at most six words and summarize the main topic. " +
	"Output only the title; do not include quotes or any additional content."

// ErrDisabled is returned by NewChatModel when no provider is configured.
var ErrDisabled = errors.New("title generation disabled")

// NewChatModel builds the eino chat model named by cfg.Provider.
func NewChatModel(ctx context.Context, cfg config.TitleConfig) (model.BaseChatModel, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, ErrDisabled
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: 64,
		})
	}
	return nil, fmt.Errorf("unknown title provider: %s", cfg.Provider)
}

// Store reads and conditionally renames threads.
type Store interface {
	ChatName(ctx context.Context, threadID string) (string, error)
	RenameIfDefault(ctx context.Context, threadID, name string) (bool, error)
}

// Service names threads that still carry the default name. Jobs run in the
// background and Wait blocks until all of them have returned.
type Service struct {
	model   model.BaseChatModel
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(m model.BaseChatModel, store Store, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		model:   m,
		store:   store,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		timeout: DefaultTimeout,
	}
}

// Schedule starts a background job that names threadID from its first turn.
func (s *Service) Schedule(threadID, query, answer string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.nameThread(ctx, threadID, query, answer); err != nil {
			s.metrics.TitleGenerated("error")
			s.logger.Warn("generate chat title", zap.String("thread_id", threadID), zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) nameThread(ctx context.Context, threadID, query, answer string) error {
	name, err := s.store.ChatName(ctx, threadID)
	if err != nil {
		return err
	}
	if name != models.DefaultChatName {
		s.metrics.TitleGenerated("skipped")
		return nil
	}
	title, err := s.Generate(ctx, query, answer)
	if err != nil {
		return err
	}
	renamed, err := s.store.RenameIfDefault(ctx, threadID, title)
	if err != nil {
		return err
	}
	if renamed {
		s.metrics.TitleGenerated("ok")
		s.logger.Debug("chat titled", zap.String("thread_id", threadID), zap.String("title", title))
	} else {
		s.metrics.TitleGenerated("skipped")
	}
	return nil
}

// Generate asks the model for a title for one question and answer.
func (s *Service) Generate(ctx context.Context, query, answer string) (string, error) {
	userPrompt := fmt.Sprintf("Please generate a clean title for this conversation:\n\nUser: %s\nAssistant: %s\n",
		query, truncate(answer, maxAnswerRunes))
	resp, err := s.model.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: userPrompt},
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := clean(resp.Content)
	if title == "" {
		return "", errors.New("generate title: empty response")
	}
	return title, nil
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`* ")
	s = strings.TrimPrefix(s, "Title:")
	return truncate(strings.TrimSpace(s), maxTitleRunes)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
