package redisclient

import (
	"context"
	"testing"
)

func TestNew_BadURL(t *testing.T) {
	if _, err := New(context.Background(), Config{URL: "http://not-redis"}); err == nil {
		t.Error("expected error for non-redis URL scheme")
	}
}
