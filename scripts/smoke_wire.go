//go:build integration
// +build integration

package scripts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services/filesvc"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
)

func must(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}

// RunSmokeWire drives a file service end to end over real pipes: handshake,
// discovery, one successful call, and one typed error.
func RunSmokeWire() {
	fmt.Println("Smoke test: wire protocol over pipes")

	root, err := os.MkdirTemp("", "harbor-smoke-wire")
	must(err, "temp root")
	defer os.RemoveAll(root)
	must(os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello from the smoke test"), 0o644), "seed file")

	server, err := filesvc.New("files", root, nil)
	must(err, "build service")

	clientIn, svcOut, err := os.Pipe()
	must(err, "pipe")
	svcIn, clientOut, err := os.Pipe()
	must(err, "pipe")
	defer func() {
		_ = clientOut.Close()
		_ = svcOut.Close()
		_ = clientIn.Close()
		_ = svcIn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = server.Serve(ctx, svcIn, svcOut) }()

	ch := transport.New(clientIn, clientOut, transport.Options{Logger: zerolog.Nop()})
	defer func() { _ = ch.Close() }()

	params, err := json.Marshal(protocol.InitializeParams{ClientName: "smoke", ClientVersion: "0"})
	must(err, "marshal handshake")
	resp, err := ch.Call(ctx, protocol.MethodInitialize, params)
	must(err, "initialize")
	var info protocol.InitializeResult
	must(json.Unmarshal(resp.Result, &info), "decode initialize")
	if info.Name != "files" {
		log.Fatalf("handshake returned name %q", info.Name)
	}
	fmt.Println("OK: handshake")

	resp, err = ch.Call(ctx, protocol.MethodListTools, nil)
	must(err, "tools/list")
	var listing protocol.ListToolsResult
	must(json.Unmarshal(resp.Result, &listing), "decode tools/list")
	if len(listing.Tools) != 4 {
		log.Fatalf("expected 4 tools, got %d", len(listing.Tools))
	}
	fmt.Printf("OK: discovery (%d tools)\n", len(listing.Tools))

	resp, err = ch.Call(ctx, "read_file", []byte(`{"path": "notes.txt"}`))
	must(err, "read_file")
	if resp.Error != nil {
		log.Fatalf("read_file failed: %s: %s", resp.Error.Kind, resp.Error.Message)
	}
	var read struct {
		Content string `json:"content"`
	}
	must(json.Unmarshal(resp.Result, &read), "decode read_file")
	if read.Content != "hello from the smoke test" {
		log.Fatalf("read_file returned %q", read.Content)
	}
	fmt.Println("OK: read_file")

	resp, err = ch.Call(ctx, "read_file", []byte(`{"path": "missing.txt"}`))
	must(err, "read_file missing")
	if resp.Error == nil || resp.Error.Kind != "not_found" {
		log.Fatalf("expected not_found, got %+v", resp.Error)
	}
	fmt.Println("OK: typed error kind")

	fmt.Println("Wire smoke checks completed.")
}
