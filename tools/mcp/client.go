package mcp

import (
	"context"

	"github.com/m4xw311/codexd/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Prober reports the tools served at url, failing while the server is not
// yet accepting connections.
type Prober func(ctx context.Context, url string) ([]string, error)

// ListTools connects an MCP client to a streamable-HTTP endpoint and lists
// the tools it provides, following pagination.
func ListTools(ctx context.Context, url string) ([]string, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "codexd-probe", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewStreamableClientTransport(url, nil))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server at %s", url)
	}
	defer conn.Close()

	var names []string
	params := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server at %s", url)
		}
		for _, t := range toolList.Tools {
			names = append(names, t.Name)
		}
		if toolList.NextCursor == "" {
			break
		}
		params.Cursor = toolList.NextCursor
	}
	return names, nil
}
