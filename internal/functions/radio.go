package functions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/clawinfra/parlo/internal/config"
	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

const (
	radioTask  = "radio"
	radioLabel = "la radio"

	// 64 kbit/s mono mp3.
	radioBytesPerSecond = 8000
	radioFormat         = "mp3"
)

// Streamer captures a station and hands its audio over in chunks. It returns
// when the stream ends, the chunk budget is spent or ctx is done.
type Streamer interface {
	Stream(ctx context.Context, st Station, chunk func([]byte) error) error
}

// FFmpegStreamer transcodes stations with an ffmpeg subprocess.
type FFmpegStreamer struct {
	path         string
	chunkSeconds int
	maxChunks    int
	logger       *slog.Logger
}

// NewFFmpegStreamer creates a streamer from the radio settings.
func NewFFmpegStreamer(cfg config.RadioConfig, logger *slog.Logger) *FFmpegStreamer {
	s := &FFmpegStreamer{
		path:         cfg.FFmpegPath,
		chunkSeconds: cfg.ChunkSeconds,
		maxChunks:    cfg.MaxChunks,
		logger:       logger.With("component", "radio"),
	}
	if s.path == "" {
		s.path = "ffmpeg"
	}
	if s.chunkSeconds <= 0 {
		s.chunkSeconds = 10
	}
	if s.maxChunks <= 0 {
		s.maxChunks = 60
	}
	return s
}

func (s *FFmpegStreamer) args(st Station) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-reconnect", "1", "-reconnect_streamed", "1"}
	if st.Referer != "" {
		args = append(args, "-headers", "Referer: "+st.Referer+"\r\n")
	}
	total := s.chunkSeconds * s.maxChunks
	return append(args,
		"-i", st.URL,
		"-t", strconv.Itoa(total),
		"-vn", "-ac", "1", "-ar", "24000", "-b:a", "64k",
		"-f", radioFormat, "pipe:1",
	)
}

// Stream runs ffmpeg for up to chunkSeconds*maxChunks seconds and slices its
// output into chunkSeconds pieces. Cancelling ctx kills the process.
func (s *FFmpegStreamer) Stream(ctx context.Context, st Station, chunk func([]byte) error) error {
	cmd := exec.CommandContext(ctx, s.path, s.args(st)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	s.logger.Debug("stream started", "station", st.Name, "pid", cmd.Process.Pid)

	size := s.chunkSeconds * radioBytesPerSecond
	var sendErr error
	for n := 0; n < s.maxChunks; n++ {
		buf := make([]byte, size)
		read, err := io.ReadFull(out, buf)
		if read > 0 {
			if sendErr = chunk(buf[:read]); sendErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = out.Close()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case sendErr != nil:
		return sendErr
	case waitErr != nil:
		return fmt.Errorf("ffmpeg %s: %w (%s)", st.Name, waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (e *env) radioFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{{
		Name: "radio_italia",
		Description: "Ascolta stazioni radio italiane in streaming. Usare per: metti la radio, sintonizza radio deejay, " +
			"quali radio hai, ferma la radio.",
		Capability: skills.CapSystemControl,
		Params: map[string]skills.Param{
			"action": {
				Type:        skills.TypeString,
				Description: "play avvia lo streaming, stop lo ferma, list elenca le stazioni",
				Enum:        []string{"play", "stop", "list"},
			},
			"station": {Type: skills.TypeString, Description: "Nome della stazione, es. radio zeta"},
		},
		Handler: skills.HandlerFunc(e.radio),
	}}
}

func (e *env) radio(_ context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	switch args.String("action") {
	case "stop":
		if dc.CancelTasks(radioTask) == 0 {
			return skills.Say("La radio non è accesa."), nil
		}
		return skills.Say("Radio fermata!"), nil
	case "list":
		return e.listStations(), nil
	}

	query := args.String("station")
	if query == "" {
		return skills.Say("Quale radio vuoi ascoltare? Per esempio Radio DeeJay, RTL 102.5 o Radio Italia."), nil
	}
	st, ok := findStation(e.content.Stations, query)
	if !ok {
		return skills.Say(fmt.Sprintf("Non conosco la stazione %s. Prova con %s.", query, joinItalian(e.suggestStations(4)))), nil
	}

	dc.CancelTasks(radioTask)
	_, err := dc.Go(radioTask, radioLabel, func(ctx context.Context) error {
		return e.play(ctx, dc.Playback(), st)
	})
	if err != nil {
		return skills.Outcome{}, fmt.Errorf("start radio: %w", err)
	}
	e.logger.Info("radio started", "device", dc.DeviceID, "station", st.Name)
	return skills.SystemControl(), nil
}

func (e *env) play(ctx context.Context, pb dialogue.Playback, st Station) error {
	if err := pb.Speak(ctx, "📻 Sintonizzazione su "+st.Name+"...", "Sintonizzazione su "+st.Name+"... un momento!"); err != nil {
		return err
	}
	first := true
	err := e.Streamer.Stream(ctx, st, func(chunk []byte) error {
		if first {
			first = false
			if err := pb.Speak(ctx, "📻 "+st.Name, "Ecco "+st.Name+"!"); err != nil {
				return err
			}
		}
		return pb.Audio(ctx, chunk, radioFormat)
	})
	if err != nil && !errors.Is(err, context.Canceled) && first {
		// Nothing reached the speaker yet.
		_ = pb.Speak(ctx, "Stazione non raggiungibile", "Non riesco a collegarmi a "+st.Name+". Riprova più tardi.")
	}
	return err
}

func (e *env) listStations() skills.Outcome {
	var display strings.Builder
	display.WriteString("📻 Stazioni disponibili:\n")
	names := make([]string, 0, len(e.content.Stations))
	for _, st := range e.content.Stations {
		fmt.Fprintf(&display, "- %s: %s\n", st.Name, st.Description)
		names = append(names, st.Name)
	}
	spoken := fmt.Sprintf("Ho %d stazioni: %s. Quale vuoi ascoltare?", len(names), joinItalian(names))
	return skills.Respond(strings.TrimRight(display.String(), "\n"), spoken)
}

func (e *env) suggestStations(n int) []string {
	var out []string
	for _, st := range e.content.Stations {
		if len(out) == n {
			break
		}
		out = append(out, st.Name)
	}
	return out
}

// findStation matches query against station aliases: exact first, then
// substring either way, then any significant shared word.
func findStation(stations []Station, query string) (Station, bool) {
	q := types.Fold(query)
	if q == "" || q == "radio" {
		return Station{}, false
	}
	for _, st := range stations {
		for _, a := range st.Aliases {
			if types.Fold(a) == q {
				return st, true
			}
		}
	}
	for _, st := range stations {
		for _, a := range st.Aliases {
			a = types.Fold(a)
			if strings.Contains(a, q) || strings.Contains(q, a) {
				return st, true
			}
		}
	}
	for _, w := range strings.Fields(q) {
		if len(w) < 3 || w == "radio" {
			continue
		}
		for _, st := range stations {
			for _, a := range st.Aliases {
				for _, aw := range strings.Fields(types.Fold(a)) {
					if aw == w {
						return st, true
					}
				}
			}
		}
	}
	return Station{}, false
}
