package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/tmolnar/smsbridge/registry"
)

// MCPServer is an optional stdio admin surface for inspecting the device
// registry, mainly used while debugging a deployment.
type MCPServer struct {
	Server *mcpserver.MCPServer
}

func NewMCPServer(devices registry.Store) *MCPServer {
	s := &MCPServer{Server: mcpserver.NewMCPServer("SMS Bridge Admin", "1.0.0")}

	listDevices := mcp.NewTool("list_devices",
		mcp.WithDescription("List the registered devices of a user"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Owner user id"),
		),
	)
	s.Server.AddTool(listDevices, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := request.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError("user_id is required and must be a string"), err
		}

		devs, err := devices.ListDevices(ctx, userID)
		if err != nil {
			return mcp.NewToolResultError("registry lookup failed: " + err.Error()), err
		}

		type deviceElement struct {
			ID           string   `json:"id"`
			Name         string   `json:"name"`
			DeviceType   string   `json:"device_type"`
			Capabilities []string `json:"capabilities"`
			HasPushToken bool     `json:"has_push_token"`
		}
		res := make([]deviceElement, 0, len(devs))
		for _, d := range devs {
			res = append(res, deviceElement{
				ID:           d.ID,
				Name:         d.Name,
				DeviceType:   string(d.DeviceType),
				Capabilities: d.Capabilities,
				HasPushToken: d.PushToken != "",
			})
		}

		jsonBytes, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	getDevice := mcp.NewTool("get_device",
		mcp.WithDescription("Fetch one registered device by id"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device id"),
		),
	)
	s.Server.AddTool(getDevice, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deviceID, err := request.RequireString("device_id")
		if err != nil {
			return mcp.NewToolResultError("device_id is required and must be a string"), err
		}

		dev, err := devices.GetDevice(ctx, deviceID)
		if err != nil {
			return mcp.NewToolResultError("registry lookup failed: " + err.Error()), err
		}

		jsonBytes, err := json.MarshalIndent(map[string]any{
			"id":             dev.ID,
			"name":           dev.Name,
			"device_type":    string(dev.DeviceType),
			"capabilities":   dev.Capabilities,
			"has_push_token": dev.PushToken != "",
		}, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	return s
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return mcpserver.ServeStdio(s.Server)
}

func (s *MCPServer) Shutdown() error {
	return nil
}
