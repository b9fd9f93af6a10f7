package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Telegram limits for bots using the public Bot API.
const (
	MaxDownloadSize = 20 << 20
	MaxSendSize     = 50 << 20
)

// PollTimeout is the long-poll window of getUpdates. The HTTP client
// timeout must exceed it.
const PollTimeout = 30 * time.Second

// Messenger sends replies and fetches attachments.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, name string, r io.Reader) error
	OpenFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// TelegramOptions tune a TelegramMessenger.
type TelegramOptions struct {
	HTTPClient *http.Client
	SendRate   float64 // messages per second
	Logger     *slog.Logger

	// APIEndpoint and FileEndpoint override the Bot API URLs; both take
	// the token and a method or file path as format arguments.
	APIEndpoint  string
	FileEndpoint string
}

// TelegramMessenger implements Messenger on the Telegram Bot API.
type TelegramMessenger struct {
	api          *tgbotapi.BotAPI
	http         *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
	fileEndpoint string
}

// NewTelegramMessenger connects to the Bot API and verifies the token.
func NewTelegramMessenger(token string, opts TelegramOptions) (*TelegramMessenger, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 25
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	if opts.FileEndpoint == "" {
		opts.FileEndpoint = tgbotapi.FileEndpoint
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, opts.APIEndpoint, opts.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	burst := int(opts.SendRate)
	if burst < 1 {
		burst = 1
	}
	opts.Logger.Info("telegram connected", "bot", api.Self.UserName)

	return &TelegramMessenger{
		api:          api,
		http:         opts.HTTPClient,
		limiter:      rate.NewLimiter(rate.Limit(opts.SendRate), burst),
		logger:       opts.Logger,
		fileEndpoint: opts.FileEndpoint,
	}, nil
}

// Updates long-polls the Bot API until ctx is done. The returned channel is
// closed after polling stops.
func (m *TelegramMessenger) Updates(ctx context.Context) <-chan Update {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(PollTimeout / time.Second)
	in := m.api.GetUpdatesChan(cfg)

	out := make(chan Update)
	go func() {
		defer close(out)
		defer m.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case tu, open := <-in:
				if !open {
					return
				}
				u, ok := fromTelegram(tu)
				if !ok {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (m *TelegramMessenger) Send(ctx context.Context, chatID int64, text string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := m.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (m *TelegramMessenger) SendDocument(ctx context.Context, chatID int64, name string, r io.Reader) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: name, Reader: r})
	if _, err := m.api.Send(doc); err != nil {
		return fmt.Errorf("failed to send document: %w", err)
	}
	return nil
}

// OpenFile downloads an attachment from Telegram's file storage.
func (m *TelegramMessenger) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f, err := m.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve telegram file: %w", err)
	}
	if f.FilePath == "" {
		return nil, errors.New("telegram returned no file path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(m.fileEndpoint, m.api.Token, f.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download telegram file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to download telegram file: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
