package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/MrWong99/devecho/pkg/ipc"
)

func TestHistory_KeepsMostRecent(t *testing.T) {
	t.Parallel()
	h := newHistory(3)
	for i := range 5 {
		h.add(ipc.ContextEntry{Text: fmt.Sprint(i)})
	}
	got := h.snapshot()
	if len(got) != 3 || got[0].Text != "2" || got[2].Text != "4" {
		t.Errorf("snapshot = %+v, want 2..4", got)
	}

	got[0].Text = "changed"
	if h.snapshot()[0].Text != "2" {
		t.Error("snapshot aliases the history")
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	h := newHistory(10)

	handleStream(&out, h, &ipc.Transcription{Text: "deploy is red", Source: "system", Timestamp: 12.5})
	handleStream(&out, h, &ipc.TranscriptionError{Error: "model crashed", Source: "microphone"})

	if got := out.String(); got != "[system] deploy is red\n" {
		t.Errorf("output = %q", got)
	}
	snap := h.snapshot()
	if len(snap) != 1 || snap[0].Source != "system" || snap[0].Timestamp != 12.5 {
		t.Errorf("history = %+v", snap)
	}
}
