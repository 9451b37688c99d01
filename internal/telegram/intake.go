package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ebookbot/ebookbot/internal/format"
	"github.com/ebookbot/ebookbot/internal/logger"
	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/pipeline"
)

// Admitter is the pipeline surface the intake calls into.
type Admitter interface {
	Admit(ctx context.Context, event pipeline.InboundEvent) (*models.Job, error)
	Cancel(ctx context.Context, chatID int64, messageID int) (bool, error)
	ResendResult(ctx context.Context, job *models.Job) error
}

// chatRegistry records chats the bot talks to.
type chatRegistry interface {
	UpsertChat(ctx context.Context, chat *models.Chat) error
}

// Intake consumes Bot API updates, validates and deduplicates them, and
// admits conversion jobs. It only enqueues; it never waits on a
// conversion, so a slow job cannot starve event handling.
type Intake struct {
	updates       tgbotapi.UpdatesChannel
	admitter      Admitter
	sender        pipeline.Sender
	registry      chatRegistry
	defaultTarget string

	// Fast-path dedupe of protocol-level redelivery. The store's
	// idempotent admission is the durable guarantee; this only saves the
	// round trip.
	mu       sync.Mutex
	seen     map[string]struct{}
	seenRing []string
}

const seenLimit = 2048

func NewIntake(updates tgbotapi.UpdatesChannel, admitter Admitter, sender pipeline.Sender, registry chatRegistry, defaultTarget string) *Intake {
	return &Intake{
		updates:       updates,
		admitter:      admitter,
		sender:        sender,
		registry:      registry,
		defaultTarget: defaultTarget,
		seen:          make(map[string]struct{}),
	}
}

// Run processes updates until the context is cancelled or the channel
// closes.
func (in *Intake) Run(ctx context.Context) {
	for {
		select {
		case update, ok := <-in.updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			in.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			return
		}
	}
}

func (in *Intake) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	in.registerChat(ctx, msg)

	if msg.IsCommand() {
		in.handleCommand(ctx, msg)
		return
	}
	if msg.Document == nil {
		return
	}
	if in.alreadySeen(msg.Chat.ID, msg.MessageID) {
		logger.Debugf("intake: duplicate update for chat %d message %d", msg.Chat.ID, msg.MessageID)
		return
	}

	event := pipeline.InboundEvent{
		ChatID:       msg.Chat.ID,
		MessageID:    msg.MessageID,
		FileID:       msg.Document.FileID,
		FileName:     msg.Document.FileName,
		FileSize:     int64(msg.Document.FileSize),
		TargetFormat: parseTargetFormat(msg.Caption),
	}

	job, err := in.admitter.Admit(ctx, event)
	if err != nil {
		in.replyToAdmissionError(ctx, msg, err)
		return
	}

	switch job.State {
	case models.JobStateSucceeded:
		// Redelivered request for a finished job: hand back the cached
		// artifact instead of reprocessing.
		if err := in.admitter.ResendResult(ctx, job); err != nil {
			logger.Warnf("intake: resend result for job %s: %v", job.ID, err)
		}
	case models.JobStateFailed:
		in.reply(ctx, msg, pipeline.UserFacingReason(job))
	default:
		in.reply(ctx, msg, fmt.Sprintf("Got it! Converting to %s, I'll send the result here.", job.TargetFormat))
	}
}

func (in *Intake) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		in.reply(ctx, msg, fmt.Sprintf(
			"Hello! Send me an ebook and I'll convert it.\n\n"+
				"I read %d input formats and write %d output formats. "+
				"Put the target format in the file caption (for example: pdf); "+
				"without a caption I convert to %s.\n"+
				"Use /formats to list formats and /cancel (as a reply) to withdraw a request.",
			len(format.SupportedInputs()), len(format.SupportedOutputs()), in.defaultTarget))
	case "formats":
		in.reply(ctx, msg, fmt.Sprintf(
			"Input: %s\n\nOutput: %s",
			strings.Join(format.SupportedInputs(), ", "),
			strings.Join(format.SupportedOutputs(), ", ")))
	case "cancel":
		if msg.ReplyToMessage == nil {
			in.reply(ctx, msg, "Reply to the file you want to cancel with /cancel.")
			return
		}
		cancelled, err := in.admitter.Cancel(ctx, msg.Chat.ID, msg.ReplyToMessage.MessageID)
		if err != nil {
			logger.Errorf("intake: cancel: %v", err)
			return
		}
		if cancelled {
			in.reply(ctx, msg, "Okay, cancelled.")
		} else {
			in.reply(ctx, msg, "Nothing left to cancel for that file.")
		}
	}
}

func (in *Intake) replyToAdmissionError(ctx context.Context, msg *tgbotapi.Message, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedTarget):
		in.reply(ctx, msg, fmt.Sprintf(
			"I can't produce that format. Supported outputs: %s",
			strings.Join(format.SupportedOutputs(), ", ")))
	case errors.Is(err, pipeline.ErrEmptySourceRef), errors.Is(err, pipeline.ErrNoAttachment):
		logger.Debugf("intake: dropped malformed event: %v", err)
	default:
		logger.Errorf("intake: admission failed: %v", err)
		in.reply(ctx, msg, "Something went wrong on my side. Please try again later.")
	}
}

func (in *Intake) registerChat(ctx context.Context, msg *tgbotapi.Message) {
	chat := &models.Chat{
		ChatID: msg.Chat.ID,
		Title:  chatTitle(msg.Chat),
		Kind:   msg.Chat.Type,
	}
	if err := in.registry.UpsertChat(ctx, chat); err != nil {
		logger.Warnf("intake: register chat %d: %v", msg.Chat.ID, err)
	}
}

func (in *Intake) reply(ctx context.Context, msg *tgbotapi.Message, text string) {
	if err := in.sender.SendText(ctx, msg.Chat.ID, msg.MessageID, text); err != nil {
		logger.Warnf("intake: reply to chat %d: %v", msg.Chat.ID, err)
	}
}

// alreadySeen records and checks (chat, message) pairs with a bounded
// memory.
func (in *Intake) alreadySeen(chatID int64, messageID int) bool {
	key := fmt.Sprintf("%d:%d", chatID, messageID)

	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.seen[key]; ok {
		return true
	}
	in.seen[key] = struct{}{}
	in.seenRing = append(in.seenRing, key)
	if len(in.seenRing) > seenLimit {
		oldest := in.seenRing[0]
		in.seenRing = in.seenRing[1:]
		delete(in.seen, oldest)
	}
	return false
}

// parseTargetFormat reads a requested format out of the caption, accepting
// "pdf", "to pdf" or ".pdf".
func parseTargetFormat(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return ""
	}
	fields := strings.Fields(strings.ToLower(caption))
	last := fields[len(fields)-1]
	return format.Normalize(last)
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}
