package telegram

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"newsrelay/internal/dispatch"
	logx "newsrelay/pkg/logx"
)

const maxMessageRunes = 4096

type Config struct {
	Token          string
	ChatID         int64
	DisablePreview bool
	Timeout        time.Duration
	// APIURL overrides the Bot API endpoint (local bot-api servers, tests).
	APIURL string
}

// Publisher posts to a single chat or channel.
type Publisher struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline skips getMe at startup; credentials are checked on first send.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{DisableWebPagePreview: cfg.DisablePreview},
		log:  log,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, post dispatch.Post) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := p.bot.Send(p.chat, Format(post), p.opts)
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(msg.ID), nil
}

// SendAlert satisfies logx.AlertSender.
func (p *Publisher) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.bot.Send(p.chat, truncate(text, maxMessageRunes), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Format renders a post: the text, then the link on its own paragraph unless
// the text already carries it.
func Format(post dispatch.Post) string {
	text := strings.TrimSpace(post.Text)
	if text == "" {
		text = strings.TrimSpace(post.Title)
	}
	if post.Link == "" || strings.Contains(text, post.Link) {
		return truncate(text, maxMessageRunes)
	}
	suffix := "\n\n" + post.Link
	return truncate(text, maxMessageRunes-utf8.RuneCountInString(suffix)) + suffix
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-3]) + "..."
}

var reCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps Bot API failures onto dispatch's transient/permanent split.
// Flood control carries its retry_after; 400/401/403/404 mean the message or
// the credentials are wrong and retrying will not help.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return dispatch.TransientAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := reCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == http.StatusTooManyRequests:
		return dispatch.TransientAfter(err, 5*time.Second)
	case code >= 400 && code < 500:
		return dispatch.Permanent(err)
	default:
		return dispatch.Transient(err)
	}
}
