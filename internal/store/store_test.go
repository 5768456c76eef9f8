package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type shoppingList struct {
	Items []string `json:"items"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var got shoppingList
	found, err := s.Load("spesa", "aa:bb:cc", &got)
	if err != nil || found {
		t.Fatalf("expected missing doc, got found=%v err=%v", found, err)
	}

	if err := s.Save(ctx, "spesa", "aa:bb:cc", shoppingList{Items: []string{"pane"}}); err != nil {
		t.Fatal(err)
	}
	found, err = s.Load("spesa", "aa:bb:cc", &got)
	if err != nil || !found || len(got.Items) != 1 || got.Items[0] != "pane" {
		t.Fatalf("unexpected load: found=%v err=%v got=%+v", found, err, got)
	}

	info, err := os.Stat(filepath.Join(s.Dir(), "spesa", "aa:bb:cc.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}

	devices, err := s.Devices("spesa")
	if err != nil || len(devices) != 1 || devices[0] != "aa:bb:cc" {
		t.Errorf("Devices = %v, %v", devices, err)
	}

	if err := s.Delete("spesa", "aa:bb:cc"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("spesa", "aa:bb:cc"); err != nil {
		t.Errorf("deleting a missing doc must not fail: %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "", "dev", 1); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if err := s.Save(ctx, "a/b", "dev", 1); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.Load("doc", " ", new(int)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDeviceIDIsEscaped(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(context.Background(), "profili", "../etc/passwd", 1); err != nil {
		t.Fatal(err)
	}
	devices, _ := s.Devices("profili")
	if len(devices) != 1 || devices[0] != "../etc/passwd" {
		t.Errorf("device id must round-trip, got %v", devices)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "etc")); !os.IsNotExist(err) {
		t.Error("device id escaped the store directory")
	}
}

func TestUpdateConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Update(ctx, s, "spesa", "dev", func(l *shoppingList) error {
				l.Items = append(l.Items, "latte")
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := Get[shoppingList](s, "spesa", "dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Items) != 20 {
		t.Errorf("expected 20 items, got %d", len(got.Items))
	}
}

func TestUpdateAbortsWithoutWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "spesa", "dev", shoppingList{Items: []string{"uova"}}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := Update(ctx, s, "spesa", "dev", func(l *shoppingList) error {
		l.Items = nil
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := Update(cancelled, s, "spesa", "dev", func(l *shoppingList) error {
		l.Items = nil
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got, _ := Get[shoppingList](s, "spesa", "dev")
	if len(got.Items) != 1 {
		t.Errorf("document changed by aborted updates: %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Join(s.Dir(), "spesa"))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}
