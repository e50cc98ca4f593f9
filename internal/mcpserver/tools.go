// Package mcpserver registers the two MCP tools agents call: search,
// which queries the flattened API document in-memory, and execute,
// which runs agent code against the live API with the caller's own
// credential. Both adapt the sandbox engine to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skybridge-mcp/skybridge/internal/authn"
	"github.com/skybridge-mcp/skybridge/internal/gateway"
	"github.com/skybridge-mcp/skybridge/internal/sandbox"
	"github.com/skybridge-mcp/skybridge/internal/specindex"
	"github.com/skybridge-mcp/skybridge/internal/truncate"
)

// Deps carries everything the tool handlers need. HTTPClient should be
// the process-wide client wrapped with the outbound host gate.
type Deps struct {
	Engine      *sandbox.Engine
	Specs       *specindex.Store
	APIBaseURL  string
	GraphQLPath string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// RegisterTools adds the search and execute tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "search",
		Description: "Run a Lua chunk against the flattened API specification, available as the " +
			"global table `spec` (spec.paths maps URL paths to operations, each tagged with its " +
			"product). Purely in-memory: no network access. Return the value you want back, " +
			"e.g. `local hits = {} for path, ops in pairs(spec.paths) do ... end return hits`. " +
			"Use this first to discover endpoints, parameters, and schemas before calling execute.",
	}, searchHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "execute",
		Description: "Run a Lua chunk that calls the API through `api.request({method, path, " +
			"query, body, content_type, raw_body})` using the caller's credential; the token is " +
			"attached server-side and is not visible to the code. Each call returns the " +
			"normalized envelope {success, status, result, errors, messages}; failures raise " +
			"Lua errors that pcall can catch. When the credential spans multiple accounts, " +
			"pass account_id; the resolved id is available as the global `account_id`.",
	}, executeHandler(deps))
}

// SearchInput holds parameters for search.
type SearchInput struct {
	Code string `json:"code" jsonschema:"required,Lua chunk that queries the global spec table and returns a JSON-serializable value"`
}

// ExecuteInput holds parameters for execute.
type ExecuteInput struct {
	Code      string `json:"code" jsonschema:"required,Lua chunk that calls api.request and returns a JSON-serializable value"`
	AccountID string `json:"account_id,omitempty" jsonschema:"account to act on when the credential can access more than one"`
}

func searchHandler(d *Deps) mcp.ToolHandlerFor[SearchInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(input.Code) == "" {
			return nil, nil, fmt.Errorf("code is required")
		}

		spec, err := d.Specs.Spec()
		if err != nil {
			return nil, nil, err
		}

		out, err := d.Engine.Search(ctx, input.Code, spec)
		if err != nil {
			return nil, nil, err
		}

		text, err := truncate.Value(out)
		if err != nil {
			return nil, nil, err
		}

		return textResult(text), out, nil
	}
}

func executeHandler(d *Deps) mcp.ToolHandlerFor[ExecuteInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExecuteInput) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(input.Code) == "" {
			return nil, nil, fmt.Errorf("code is required")
		}

		props, ok := authn.FromContext(ctx)
		if !ok {
			return nil, nil, fmt.Errorf("authentication required")
		}

		accountID, err := resolveAccount(props, input.AccountID)
		if err != nil {
			return nil, nil, err
		}

		client := gateway.NewClient(d.APIBaseURL, d.GraphQLPath, clientAuth(props), d.HTTPClient)

		d.Logger.Debug("execute invocation",
			slog.String("kind", string(props.Kind)),
			slog.String("identity", props.UserID()),
			slog.String("account", accountID),
		)

		out, err := d.Engine.Execute(ctx, input.Code, client, accountID)
		if err != nil {
			return nil, nil, err
		}

		text, err := truncate.Value(out)
		if err != nil {
			return nil, nil, err
		}

		return textResult(text), out, nil
	}
}

// resolveAccount picks the account for one execution. A credential with
// no accessible accounts is still usable for user-level endpoints, so
// the lookup is only an error when the caller asked for an account or
// the bundle forces one.
func resolveAccount(props *authn.Props, requested string) (string, error) {
	if requested == "" && props.Kind != authn.KindAccountToken && len(props.Accounts) == 0 {
		return "", nil
	}

	return props.ResolveAccount(requested)
}

// clientAuth maps a credential bundle onto the request capability's
// auth. Global keys keep their legacy header pair; both token variants
// go out as a bearer token.
func clientAuth(props *authn.Props) gateway.Auth {
	if props.Kind == authn.KindGlobalAPIKey {
		return gateway.Auth{Email: props.Email, Key: props.APIKey}
	}

	return gateway.Auth{Token: props.AccessToken}
}

// textResult builds a CallToolResult whose text content is the already
// truncated serialization; the SDK fills in structured output from the
// handler's second return value.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
