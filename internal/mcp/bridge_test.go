package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// fakeServer 在进程内提供一个工具服务。
type fakeServer struct {
	dials atomic.Int32
}

func (f *fakeServer) newServer() *server.MCPServer {
	s := server.NewMCPServer("fake", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("read.file",
		mcp.WithDescription("reads"),
		mcp.WithString("path", mcp.Description("file path")),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		encoded, _ := json.Marshal(req.Params.Arguments)
		return &mcp.CallToolResult{Content: []mcp.Content{
			mcp.NewTextContent("called read.file"),
			mcp.NewTextContent(string(encoded)),
		}}, nil
	})
	s.AddTool(mcp.NewTool("fail"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("disk full"), nil
	})
	return s
}

func (f *fakeServer) dial(ctx context.Context) (client.MCPClient, error) {
	f.dials.Add(1)
	c, err := client.NewInProcessClient(f.newServer())
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newTestBridge(srv *fakeServer) *Bridge {
	b := NewBridge("fs", "unused", nil, nil)
	b.dial = srv.dial
	return b
}

func TestBridgeListsPrefixedTools(t *testing.T) {
	b := newTestBridge(&fakeServer{})
	defer b.Close()

	decls, err := b.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(decls) != 2 {
		t.Fatalf("unexpected declarations: %+v", decls)
	}
	byName := map[string]int{}
	for i, decl := range decls {
		byName[decl.Name] = i
	}
	read, ok := byName["fs_read_file"]
	if !ok {
		t.Fatalf("missing fs_read_file: %+v", decls)
	}
	failing, ok := byName["fs_fail"]
	if !ok || decls[failing].Description != "Tool fail from fs" {
		t.Fatalf("unexpected fallback description: %+v", decls)
	}
	if !strings.Contains(string(decls[read].Parameters), `"type":"object"`) || !strings.Contains(string(decls[read].Parameters), `"path"`) {
		t.Fatalf("schema should be an object with path: %s", decls[read].Parameters)
	}
	if !strings.Contains(string(decls[failing].Parameters), `"properties":{}`) {
		t.Fatalf("empty schema should carry properties: %s", decls[failing].Parameters)
	}
}

func TestBridgeConnectIsIdempotent(t *testing.T) {
	srv := &fakeServer{}
	b := newTestBridge(srv)
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := b.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if srv.dials.Load() != 1 {
		t.Fatalf("expected a single dial, got %d", srv.dials.Load())
	}
}

func TestBridgeConnectSurvivesCancelledCaller(t *testing.T) {
	srv := &fakeServer{}
	b := newTestBridge(srv)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect with cancelled caller: %v", err)
	}
	if _, err := b.ListTools(context.Background()); err != nil {
		t.Fatalf("list tools: %v", err)
	}
}

func TestBridgeCallTool(t *testing.T) {
	b := newTestBridge(&fakeServer{})
	defer b.Close()

	result, err := b.CallTool(context.Background(), "fs_read_file", json.RawMessage(`{"path":"/tmp/a"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.IsError || result.Text != "called read.file\n{\"path\":\"/tmp/a\"}" {
		t.Fatalf("unexpected result %+v", result)
	}

	failed, _ := b.CallTool(context.Background(), "fs_fail", nil)
	if !failed.IsError || !strings.Contains(failed.Text, `"isError":true`) || !strings.Contains(failed.Text, "disk full") {
		t.Fatalf("expected error result, got %+v", failed)
	}

	if _, err := b.CallTool(context.Background(), "other_tool", nil); err == nil {
		t.Fatalf("expected ownership error")
	}
}

func TestCallToolAfterConcurrentCloseReportsDisconnected(t *testing.T) {
	b := newTestBridge(&fakeServer{})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// 模拟 Close 落在 Connect 返回之后、读取客户端之前。
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.mu.Unlock()
	_ = c.Close()

	result, err := b.CallTool(context.Background(), "fs_read_file", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Text, "bridge disconnected") {
		t.Fatalf("expected disconnected result, got %+v", result)
	}
}

func TestCallToolRacingCloseDoesNotPanic(t *testing.T) {
	b := newTestBridge(&fakeServer{})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := b.CallTool(context.Background(), "fs_read_file", json.RawMessage(`{"path":"x"}`)); err != nil {
				t.Errorf("call: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = b.Close()
		}()
	}
	wg.Wait()
}

func TestBridgeOwns(t *testing.T) {
	b := NewBridge("github", "npx", nil, nil)
	if !b.Owns("github_create_issue") || b.Owns("githubx") || b.Owns("search_web") {
		t.Fatalf("unexpected ownership")
	}
}
