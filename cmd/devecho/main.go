// Command devecho captures microphone and system audio, streams it to the
// devecho backend for transcription, and answers quick questions typed on
// stdin with the recent transcript as context.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/devecho/internal/capture"
	"github.com/MrWong99/devecho/internal/config"
	"github.com/MrWong99/devecho/internal/transport"
	"github.com/MrWong99/devecho/pkg/audio"
	audiocapture "github.com/MrWong99/devecho/pkg/audio/capture"
	"github.com/MrWong99/devecho/pkg/audio/capture/portaudio"
	"github.com/MrWong99/devecho/pkg/ipc"
)

// historySize is how many transcript lines ride along with a stdin query.
const historySize = 20

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	listDocs := flag.Bool("list-docs", false, "print every knowledge-base document and exit")
	listDevices := flag.Bool("list-devices", false, "print the audio input devices and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devecho: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	if *listDevices {
		return printDevices(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Transport ─────────────────────────────────────────────────────────────
	dialer, err := transport.NewDialer(cfg.Transport.Network, cfg.Transport.Address)
	if err != nil {
		slog.Error("invalid transport", "err", err)
		return 1
	}
	history := newHistory(historySize)

	var reconnector *transport.Reconnector
	ch := transport.New(dialer,
		transport.WithStreamHandler(func(msg ipc.Message) { handleStream(os.Stdout, history, msg) }),
		transport.WithDisconnectHandler(func(err error) {
			slog.Warn("connection to backend lost", "err", err)
			reconnector.NotifyDisconnect()
		}),
	)
	rc := cfg.Transport.Reconnect
	reconnector = transport.NewReconnector(ch, transport.ReconnectorConfig{
		MaxRetries:  rc.MaxRetries,
		Backoff:     rc.Backoff,
		MaxBackoff:  rc.MaxBackoff,
		OnReconnect: func() { slog.Info("reconnected to backend") },
	})

	if err := ch.Connect(ctx); err != nil {
		slog.Error("cannot reach backend", "network", cfg.Transport.Network, "address", cfg.Transport.Address, "err", err)
		return 1
	}
	defer ch.Disconnect()
	reconnector.Monitor(ctx)
	defer reconnector.Stop()
	client := transport.NewClient(ch)

	if *listDocs {
		return printDocuments(ctx, os.Stdout, client, cfg.Server.PageSize)
	}

	// ── Capture ───────────────────────────────────────────────────────────────
	orch := capture.New(ch, buildSources(cfg.Capture),
		capture.WithTargetRate(cfg.Capture.TargetSampleRate),
		capture.WithQueueSize(cfg.Capture.QueueSize),
		capture.WithSourceObserver(func(src audio.Source, active bool) {
			slog.Info("capture source changed", "source", src, "active", active)
		}),
		capture.WithPermissionObserver(func(src audio.Source, permitted bool) {
			if !permitted {
				slog.Warn("capture permission missing", "source", src)
			}
		}),
	)
	if err := orch.Start(ctx); err != nil {
		if errors.Is(err, audiocapture.ErrPermissionDenied) {
			slog.Error("no capture source was permitted; grant microphone or screen-recording access and retry", "err", err)
		} else {
			slog.Error("capture did not start", "err", err)
		}
		return 1
	}
	defer orch.Stop()

	slog.Info("devecho running, type a question and press enter; Ctrl+C to quit",
		"backend", cfg.Transport.Address)

	// ── Stdin queries ─────────────────────────────────────────────────────────
	go readQueries(ctx, os.Stdin, os.Stdout, client, history)

	<-ctx.Done()
	slog.Info("shutting down")
	return 0
}

// buildSources creates a PortAudio source for every enabled device.
func buildSources(c config.CaptureConfig) []audiocapture.Source {
	var sources []audiocapture.Source
	if !c.System.Disabled {
		sources = append(sources, portaudio.NewSystem(deviceConfig(c.System)))
	}
	if !c.Microphone.Disabled {
		sources = append(sources, portaudio.NewMicrophone(deviceConfig(c.Microphone)))
	}
	return sources
}

func deviceConfig(d config.DeviceConfig) portaudio.Config {
	return portaudio.Config{Device: d.Device, SampleRate: d.SampleRate, Channels: d.Channels}
}

// ── Stream and stdin ──────────────────────────────────────────────────────────

// handleStream prints transcriptions and remembers them for query context.
func handleStream(w io.Writer, h *history, msg ipc.Message) {
	switch m := msg.(type) {
	case *ipc.Transcription:
		h.add(ipc.ContextEntry{Text: m.Text, Source: m.Source, Timestamp: m.Timestamp})
		fmt.Fprintf(w, "[%s] %s\n", m.Source, m.Text)
	case *ipc.TranscriptionError:
		slog.Warn("transcription error", "source", m.Source, "err", m.Error)
	default:
		slog.Debug("unsolicited message", "kind", msg.Kind())
	}
}

// readQueries sends each non-empty stdin line as a quick local query. A line
// starting with "/cloud " goes to the cloud model instead.
func readQueries(ctx context.Context, r io.Reader, w io.Writer, client *transport.Client, h *history) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ask(ctx, w, client, line, h.snapshot()); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func ask(ctx context.Context, w io.Writer, client *transport.Client, line string, transcript []ipc.ContextEntry) error {
	if q, ok := strings.CutPrefix(line, "/cloud "); ok {
		resp, err := client.AskCloud(ctx, q, transcript, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", resp.Content)
		if len(resp.Sources) > 0 {
			fmt.Fprintf(w, "sources: %s\n", strings.Join(resp.Sources, ", "))
		}
		return nil
	}
	resp, err := client.AskLocal(ctx, ipc.QueryTypeQuick, line, transcript)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", resp.Content)
	return nil
}

// history keeps the most recent transcript entries.
type history struct {
	mu      sync.Mutex
	entries []ipc.ContextEntry
	max     int
}

func newHistory(n int) *history { return &history{max: n} }

func (h *history) add(e ipc.ContextEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
}

func (h *history) snapshot() []ipc.ContextEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ipc.ContextEntry(nil), h.entries...)
}

// ── Listings ──────────────────────────────────────────────────────────────────

func printDocuments(ctx context.Context, w io.Writer, client *transport.Client, pageSize int) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	docs, err := client.ListAllDocuments(ctx, pageSize)
	if err != nil {
		slog.Error("list documents failed", "err", err)
		return 1
	}
	for _, d := range docs {
		fmt.Fprintf(w, "%-40s %8d  %s\n", d.Name, d.SizeBytes, d.LastModified.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "%d document(s)\n", len(docs))
	return 0
}

func printDevices(w io.Writer) int {
	devices, err := portaudio.Devices()
	if err != nil {
		slog.Error("list devices failed", "err", err)
		return 1
	}
	for _, d := range devices {
		var tags []string
		if d.Default {
			tags = append(tags, "default")
		}
		if d.Loopback {
			tags = append(tags, "loopback")
		}
		fmt.Fprintf(w, "%-50s ch=%d rate=%.0f %s\n", d.Name, d.Channels, d.SampleRate, strings.Join(tags, ","))
	}
	return 0
}
