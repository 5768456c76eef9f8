package functions

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// fakeStreamer emits chunks chunks, then holds the stream open until cancelled.
type fakeStreamer struct {
	chunks int
	err    error

	mu      sync.Mutex
	started []string
}

func (f *fakeStreamer) Stream(ctx context.Context, st Station, chunk func([]byte) error) error {
	f.mu.Lock()
	f.started = append(f.started, st.Name)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for i := 0; i < f.chunks; i++ {
		if err := chunk([]byte{0xff, 0xfb, byte(i)}); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRadioPlaysInBackgroundUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := &fakeStreamer{chunks: 3}
	e := newTestEnv(t, func(d *Deps) { d.Streamer = fs })
	pb := newRecordingPlayback()
	dc := newTestContext(t, pb)
	ctx := context.Background()

	o, err := e.radio(ctx, dc, types.Args{"action": "play", "station": "radio zeta"})
	if err != nil {
		t.Fatal(err)
	}
	if o.Kind() != skills.KindSystemControl {
		t.Fatalf("kind = %s, want system_control", o.Kind())
	}
	pb.waitFor(t, 2*time.Second, func(spoken []string, chunks int) bool { return chunks == 3 })

	spoken, _ := pb.snapshot()
	want := []string{"Sintonizzazione su Radio Zeta... un momento!", "Ecco Radio Zeta!"}
	if !slices.Equal(spoken, want) {
		t.Errorf("spoken = %q, want %q", spoken, want)
	}

	o, err = e.radio(ctx, dc, types.Args{"action": "stop"})
	if got := spokenOf(t, o, err); got != "Radio fermata!" {
		t.Errorf("stop = %q", got)
	}
	dc.Wait()

	o, err = e.radio(ctx, dc, types.Args{"action": "stop"})
	if got := spokenOf(t, o, err); got != "La radio non è accesa." {
		t.Errorf("second stop = %q", got)
	}
	dc.Close()
}

func TestRadioSwitchingStationReplacesStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := &fakeStreamer{chunks: 1}
	e := newTestEnv(t, func(d *Deps) { d.Streamer = fs })
	pb := newRecordingPlayback()
	dc := newTestContext(t, pb)
	ctx := context.Background()

	if _, err := e.radio(ctx, dc, types.Args{"action": "play", "station": "deejay"}); err != nil {
		t.Fatal(err)
	}
	pb.waitFor(t, 2*time.Second, func(_ []string, chunks int) bool { return chunks == 1 })
	if _, err := e.radio(ctx, dc, types.Args{"action": "play", "station": "rtl"}); err != nil {
		t.Fatal(err)
	}
	pb.waitFor(t, 2*time.Second, func(_ []string, chunks int) bool { return chunks == 2 })

	deadline := time.Now().Add(2 * time.Second)
	for len(dc.Tasks()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("running tasks = %d, want 1", len(dc.Tasks()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	dc.Close()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !slices.Equal(fs.started, []string{"Radio DeeJay", "RTL 102.5"}) {
		t.Errorf("started = %q", fs.started)
	}
}

func TestRadioUnreachableStationIsAnnounced(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEnv(t, func(d *Deps) { d.Streamer = &fakeStreamer{err: errors.New("connection refused")} })
	pb := newRecordingPlayback()
	dc := newTestContext(t, pb)

	if _, err := e.radio(context.Background(), dc, types.Args{"action": "play", "station": "radio italia"}); err != nil {
		t.Fatal(err)
	}
	pb.waitFor(t, 2*time.Second, func(spoken []string, _ int) bool {
		return len(spoken) == 2 && strings.HasPrefix(spoken[1], "Non riesco a collegarmi a Radio Italia")
	})
	dc.Close()
}

func TestRadioAsksOrSuggests(t *testing.T) {
	e := newTestEnv(t)
	dc := newTestContext(t, nil)
	ctx := context.Background()

	o, err := e.radio(ctx, dc, types.Args{"action": "play"})
	if got := spokenOf(t, o, err); !strings.HasPrefix(got, "Quale radio") {
		t.Errorf("missing station = %q", got)
	}
	o, err = e.radio(ctx, dc, types.Args{"action": "play", "station": "radio marte"})
	if got := spokenOf(t, o, err); !strings.HasPrefix(got, "Non conosco la stazione radio marte") {
		t.Errorf("unknown station = %q", got)
	}
}

func TestFindStation(t *testing.T) {
	stations, err := LoadContent("")
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		"radio zeta":   "Radio Zeta",
		"Zeta":         "Radio Zeta",
		"radio dj":     "Radio DeeJay",
		"capital":      "Radio Capital",
		"radio italia": "Radio Italia",
		"m2o":          "m2o",
		"radio":        "",
		"":             "",
	}
	for query, want := range tests {
		st, ok := findStation(stations.Stations, query)
		if want == "" {
			if ok {
				t.Errorf("findStation(%q) = %q, want no match", query, st.Name)
			}
			continue
		}
		if !ok || st.Name != want {
			t.Errorf("findStation(%q) = %q, %v; want %q", query, st.Name, ok, want)
		}
	}
}
