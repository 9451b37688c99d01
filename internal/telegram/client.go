// Package telegram adapts the Bot API to the pipeline's intake, download
// and delivery seams. Everything protocol-specific stays here.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is the slice of the Bot API client this package uses; narrowed so
// tests can fake it.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFile(c tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Downloader fetches attachment bytes through the Bot API file endpoint.
type Downloader struct {
	bot    botAPI
	token  string
	client *http.Client
}

func NewDownloader(bot *tgbotapi.BotAPI) *Downloader {
	return &Downloader{
		bot:    bot,
		token:  bot.Token,
		client: &http.Client{}, // per-call deadline comes from ctx
	}
}

// Fetch resolves the file id to a download URL and pulls the bytes. The
// caller bounds the whole call with its context.
func (d *Downloader) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	file, err := d.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(d.token), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	return data, nil
}

// Delivery sends results and failure notices back to the chat.
type Delivery struct {
	bot botAPI
}

func NewDelivery(bot *tgbotapi.BotAPI) *Delivery {
	return &Delivery{bot: bot}
}

// SendDocument uploads the artifact as a reply to the original message.
func (d *Delivery) SendDocument(ctx context.Context, chatID int64, replyTo int, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.ReplyToMessageID = replyTo
	if _, err := d.trySend(ctx, doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// SendText replies with a plain message.
func (d *Delivery) SendText(ctx context.Context, chatID int64, replyTo int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := d.trySend(ctx, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// trySend runs the blocking Send under the caller's deadline. The Bot API
// client has no context-aware send, so the goroutine may outlive the
// deadline; the result is simply dropped then.
func (d *Delivery) trySend(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	type sendResult struct {
		msg tgbotapi.Message
		err error
	}
	ch := make(chan sendResult, 1)
	go func() {
		msg, err := d.bot.Send(c)
		ch <- sendResult{msg, err}
	}()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		return tgbotapi.Message{}, ctx.Err()
	}
}
