package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"newsrelay/internal/dispatch"
	"newsrelay/internal/faults"
	logx "newsrelay/pkg/logx"
)

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		post dispatch.Post
		want string
	}{
		{name: "appends link", post: dispatch.Post{Text: "Storm hits coast #weather", Link: "https://n.example.com/a"}, want: "Storm hits coast #weather\n\nhttps://n.example.com/a"},
		{name: "link already present", post: dispatch.Post{Text: "Read https://n.example.com/a", Link: "https://n.example.com/a"}, want: "Read https://n.example.com/a"},
		{name: "falls back to title", post: dispatch.Post{Title: "Headline"}, want: "Headline"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Format(tt.post); got != tt.want {
				t.Fatalf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatClampsToMessageLimit(t *testing.T) {
	t.Parallel()
	got := Format(dispatch.Post{Text: strings.Repeat("ж", 5000), Link: "https://n.example.com/a"})
	if n := utf8.RuneCountInString(got); n != maxMessageRunes {
		t.Fatalf("length = %d, want %d", n, maxMessageRunes)
	}
	if !strings.HasSuffix(got, "...\n\nhttps://n.example.com/a") {
		t.Fatalf("suffix lost: %q", got[len(got)-40:])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{name: "blocked", err: tele.NewError(403, "Forbidden: bot was blocked by the user"), want: faults.PermanentExternal},
		{name: "bad request text", err: fmt.Errorf("telegram: Bad Request: message is too long (400)"), want: faults.PermanentExternal},
		{name: "server", err: fmt.Errorf("telegram: Internal Server Error (500)"), want: faults.TransientExternal},
		{name: "network", err: errors.New("telebot: Post \"https://api.telegram.org\": dial tcp: i/o timeout"), want: faults.TransientExternal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := faults.KindOf(classify(tt.err)); got != tt.want {
				t.Fatalf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("empty token should fail")
	}
	if _, err := New(Config{Token: "123:abc"}, logx.Nop()); err == nil {
		t.Fatal("empty chat should fail")
	}
	if _, err := New(Config{Token: "123:abc", ChatID: -100}, logx.Nop()); err != nil {
		t.Fatalf("offline bot: %v", err)
	}
}
