package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

const pluginName = "thumbnailer"

// Handshake is shared by the service and the thumbnail-plugin subcommand.
// It keeps the plugin binary from doing anything when run by hand.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "COVERS_THUMBNAIL_PLUGIN",
	MagicCookieValue: "6c0b1f5e0a7d4a6f9a4d3c2e1b0f9e8d",
}

// ScaleArgs is the RPC request of Plugin.Scale.
type ScaleArgs struct {
	Data      []byte
	MaxWidth  int
	MaxHeight int
}

// ScaleReply is the RPC response of Plugin.Scale.
type ScaleReply struct {
	Thumbnail Thumbnail
}

// rpcServer runs inside the plugin process.
type rpcServer struct {
	impl Thumbnailer
}

func (s *rpcServer) Scale(args ScaleArgs, reply *ScaleReply) error {
	t, err := s.impl.Scale(context.Background(), bytes.NewReader(args.Data), args.MaxWidth, args.MaxHeight)
	if err != nil {
		return err
	}
	reply.Thumbnail = *t
	return nil
}

// rpcClient runs in the service process.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Scale(ctx context.Context, r io.Reader, maxWidth, maxHeight int) (*Thumbnail, error) {
	if err := CheckBox(maxWidth, maxHeight); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	var reply ScaleReply
	call := c.client.Go("Plugin.Scale", ScaleArgs{Data: data, MaxWidth: maxWidth, MaxHeight: maxHeight}, &reply, nil)
	select {
	case <-call.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if call.Error != nil {
		return nil, fmt.Errorf("plugin scale: %w", call.Error)
	}
	return &reply.Thumbnail, nil
}

// thumbnailerPlugin implements plugin.Plugin over net/rpc.
type thumbnailerPlugin struct {
	impl Thumbnailer
}

func (p *thumbnailerPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &rpcServer{impl: p.impl}, nil
}

func (p *thumbnailerPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// Plugin is a Thumbnailer whose work happens in a child process, so a
// decoder crash takes down the child instead of the service.
type Plugin struct {
	client *plugin.Client
	impl   Thumbnailer
}

// LaunchPlugin starts cmd as a thumbnail plugin and connects to it. The
// command must end up calling ServePlugin.
func LaunchPlugin(cmd *exec.Cmd, logger logr.Logger) (*Plugin, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          plugin.PluginSet{pluginName: &thumbnailerPlugin{}},
		Cmd:              cmd,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Managed:          true,
		Logger:           newHclogAdapter(logger.WithName("thumbnail-plugin")),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start thumbnail plugin: %w", err)
	}

	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense thumbnailer: %w", err)
	}

	impl, ok := raw.(Thumbnailer)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected thumbnailer type: %T", raw)
	}

	return &Plugin{client: client, impl: impl}, nil
}

// Scale forwards to the plugin process.
func (p *Plugin) Scale(ctx context.Context, r io.Reader, maxWidth, maxHeight int) (*Thumbnail, error) {
	if p.client.Exited() {
		return nil, fmt.Errorf("thumbnail plugin has exited")
	}
	return p.impl.Scale(ctx, r, maxWidth, maxHeight)
}

// Close stops the plugin process.
func (p *Plugin) Close() error {
	p.client.Kill()
	return nil
}

// ServePlugin serves impl to a parent process started with LaunchPlugin.
// It blocks until the parent goes away.
func ServePlugin(impl Thumbnailer) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         plugin.PluginSet{pluginName: &thumbnailerPlugin{impl: impl}},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "thumbnail-plugin",
			Output:     os.Stderr,
			JSONFormat: true,
		}),
	})
}

var _ Thumbnailer = (*Plugin)(nil)
