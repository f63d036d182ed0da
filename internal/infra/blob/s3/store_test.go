package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"herbtrace/internal/blob/core"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if s.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver")
	}
	info, err := s.Put(ctx, "exports/e-1/ledger.jsonl", strings.NewReader(`{"height":0}`+"\n"), core.PutOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 13 || info.ContentType != "application/x-ndjson" {
		t.Fatalf("unexpected info %+v", info)
	}
	_, rc, err := s.Get(ctx, "exports/e-1/ledger.jsonl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"height":0}`+"\n" {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err := s.Put(ctx, "exports/e-1/ledger.jsonl", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMockStoreMissingListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	for _, key := range []string{"provenance/B/2.json", "provenance/B/1.json", "exports/x/ledger.csv"} {
		if _, err := s.Put(ctx, key, strings.NewReader("{}"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := s.List(ctx, "provenance/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "provenance/B/1.json" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if ok, err := s.Delete(ctx, "provenance/B/1.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "provenance/B/1.json"); err != nil || ok {
		t.Fatalf("expected second delete to report missing, got %v %v", ok, err)
	}
}

func TestPresignURL(t *testing.T) {
	s := NewMockForTests()
	url, err := s.PresignURL(context.Background(), "exports/e-1/ledger.csv", core.SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "exports/e-1/ledger.csv") || !strings.Contains(url, "X-Amz-Signature") {
		t.Fatalf("unexpected presigned url %s", url)
	}
	if _, err := s.PresignURL(context.Background(), "k", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported method")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
