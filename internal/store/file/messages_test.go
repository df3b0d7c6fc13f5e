package file

import (
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
)

func testConv(t *testing.T) ids.ConvID {
	t.Helper()
	p, err := ids.EncodePylon(ids.EnvDev, 1)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := ids.EncodeWorkspace(p, 1)
	if err != nil {
		t.Fatal(err)
	}
	c, err := ids.EncodeConversation(ws, 1)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	conv := testConv(t)

	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(conv, store.NewUserText("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(conv, store.NewAssistantText("hi there")); err != nil {
		t.Fatal(err)
	}

	// a fresh instance over the same dir sees every acknowledged write
	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := s2.History(conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Type != store.TypeUserText || msgs[0].Text != "hello" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Type != store.TypeAssistantText {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestCapEnforcedOnWrite(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	conv := testConv(t)

	for i := 0; i < store.MaxMessages+25; i++ {
		if err := s.Append(conv, store.NewUserText(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	msgs, _ := s.History(conv)
	if len(msgs) != store.MaxMessages {
		t.Fatalf("len = %d, want %d", len(msgs), store.MaxMessages)
	}
	// the newest survive
	if msgs[len(msgs)-1].Text != fmt.Sprintf("m%d", store.MaxMessages+24) {
		t.Errorf("newest = %q", msgs[len(msgs)-1].Text)
	}
	if msgs[0].Text != "m25" {
		t.Errorf("oldest = %q, want m25", msgs[0].Text)
	}
}

func TestUpdateToolComplete(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	conv := testConv(t)

	s.Append(conv, store.NewToolStart("Bash", "tu1", map[string]any{"command": "ls"}, ""))
	s.Append(conv, store.NewToolStart("Bash", "tu2", map[string]any{"command": "pwd"}, ""))

	if err := s.UpdateToolComplete(conv, "Bash", true, "files...", ""); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.History(conv)
	if msgs[0].Type != store.TypeToolStart {
		t.Error("older toolStart rewritten")
	}
	if msgs[1].Type != store.TypeToolComplete || msgs[1].ID != "tu2" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}

	// a miss is a no-op
	if err := s.UpdateToolComplete(conv, "Glob", true, "", ""); err != nil {
		t.Fatal(err)
	}
}

func TestMessagesWindows(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	conv := testConv(t)
	for i := 0; i < 10; i++ {
		s.Append(conv, store.NewUserText(fmt.Sprintf("m%d", i)))
	}

	latest, err := store.Latest(s, conv, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 3 || latest[2].Text != "m9" || latest[0].Text != "m7" {
		t.Errorf("latest = %v", texts(latest))
	}

	page, err := s.Messages(conv, store.Query{Limit: 3, BeforeID: latest[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].Text != "m4" || page[2].Text != "m6" {
		t.Errorf("page = %v", texts(page))
	}

	empty, err := s.Messages(conv, store.Query{Limit: 3, BeforeID: "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown BeforeID = %v", texts(empty))
	}
}

func TestTrimAndPurge(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	conv := testConv(t)
	for i := 0; i < 10; i++ {
		s.Append(conv, store.NewUserText(fmt.Sprintf("m%d", i)))
	}

	if err := s.Trim(conv, 4); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.History(conv)
	if len(msgs) != 4 || msgs[0].Text != "m6" {
		t.Errorf("after trim = %v", texts(msgs))
	}

	if err := s.Purge(conv); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.History(conv)
	if len(msgs) != 0 {
		t.Errorf("after purge = %v", texts(msgs))
	}
	// purge of a missing conversation is fine
	if err := s.Purge(conv); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownConversationIsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := s.History(testConv(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("unknown conv = %d messages", len(msgs))
	}
}

func texts(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
