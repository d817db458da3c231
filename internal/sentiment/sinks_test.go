package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
)

var belgium = Result{
	Country:     "Belgium",
	WindowStart: 100,
	WindowEnd:   200,
	Severity:    "High",
	Themes:      []string{"wifi", "billing"},
	Summary:     "Two distinct issues reported.",
}

func TestSQLiteSink(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := uuid.New()
	if err := NewSQLiteSink(store).Publish(context.Background(), id, belgium); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := store.ListSentimentResults(context.Background(), "Belgium", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	r := got[0]
	if r.ContextID != id.String() || r.Severity != "High" || r.WindowStart != 100 || r.WindowEnd != 200 {
		t.Errorf("row = %+v", r)
	}
	if r.Themes != `["wifi","billing"]` {
		t.Errorf("themes = %s", r.Themes)
	}
}

func TestSinksRejectForeignOutput(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := NewSQLiteSink(store).Publish(context.Background(), uuid.New(), "not a result"); err == nil {
		t.Error("SQLiteSink accepted a string")
	}
	if err := NewLogSink(nil).Publish(context.Background(), uuid.New(), 42); err == nil {
		t.Error("LogSink accepted an int")
	}
}

type fakeStream struct {
	args *redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = a
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func TestStreamSink(t *testing.T) {
	fs := &fakeStream{}
	s := &StreamSink{client: fs, stream: "complaints:sentiment", maxLen: 1000}

	id := uuid.New()
	if err := s.Publish(context.Background(), id, &belgium); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if fs.args.Stream != "complaints:sentiment" || fs.args.MaxLen != 1000 || !fs.args.Approx {
		t.Errorf("args = %+v", fs.args)
	}
	values := fs.args.Values.(map[string]any)
	if values["contextId"] != id.String() || values["country"] != "Belgium" || values["severity"] != "High" {
		t.Errorf("values = %v", values)
	}
	var decoded Result
	if err := json.Unmarshal([]byte(values["result"].(string)), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Summary != belgium.Summary || len(decoded.Themes) != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestStreamSinkError(t *testing.T) {
	boom := errors.New("READONLY")
	s := &StreamSink{client: &fakeStream{err: boom}, stream: "s"}
	if err := s.Publish(context.Background(), uuid.New(), belgium); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped READONLY", err)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	if err := NewLogSink(log).Publish(context.Background(), uuid.New(), belgium); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"country=Belgium", "severity=High", `themes="wifi, billing"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}
