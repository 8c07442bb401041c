package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/relay/internal/platform"
)

func TestServiceText(t *testing.T) {
	cases := []struct {
		msg  telego.Message
		want string
	}{
		{telego.Message{NewChatMembers: []telego.User{{Username: "alice"}}}, "joined: @alice"},
		{telego.Message{NewChatMembers: []telego.User{{FirstName: "Bob"}, {ID: 42}}}, "joined: Bob, 42"},
		{telego.Message{LeftChatMember: &telego.User{Username: "alice"}}, "left: @alice"},
		{telego.Message{NewChatTitle: "Ops"}, `chat renamed to "Ops"`},
		{telego.Message{GroupChatCreated: true}, "chat created"},
	}
	for _, c := range cases {
		if got := serviceText(&c.msg); got != c.want {
			t.Errorf("serviceText = %q, want %q", got, c.want)
		}
	}
}

func TestDispatchServiceMessageBecomesSystemEvent(t *testing.T) {
	var got platform.Event
	a := &Adapter{handler: func(_ context.Context, ev platform.Event) { got = ev }}

	a.dispatch(context.Background(), telego.Update{Message: &telego.Message{
		MessageID:    9,
		Date:         time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC).Unix(),
		Chat:         telego.Chat{ID: 100, Type: "group", Title: "Ops"},
		NewChatTitle: "Ops",
	}})

	if got.Kind != platform.EventSystem {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.ChatID != "100" || got.MessageID != "9" {
		t.Fatalf("event = %+v", got)
	}
	if got.Text != `chat renamed to "Ops"` {
		t.Fatalf("text = %q", got.Text)
	}
}
