// Package sandbox runs caller-supplied Lua inside a throwaway
// interpreter. Each invocation gets a fresh state with a restricted
// library set and exactly the capabilities its tool grants: the search
// variant sees the flattened API document, the execute variant gets a
// single request function bound to the caller's credential. Nothing
// survives between invocations.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/Shopify/go-lua"

	"github.com/skybridge-mcp/skybridge/internal/gateway"
)

// Engine builds and tears down one interpreter per invocation. It
// holds no per-call state and is safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Search runs code with the flattened API document exposed as the
// read-only global `spec` and returns the chunk's result value.
func (e *Engine) Search(ctx context.Context, code string, spec map[string]any) (any, error) {
	return e.run(ctx, "search", code, func(l *lua.State) {
		pushValue(l, spec)
		l.SetGlobal("spec")
	})
}

// Execute runs code with `api.request` bound to client and the
// resolved account id exposed as the global `account_id`. The client
// carries the caller's credential internally; the token itself is
// never reachable from Lua.
func (e *Engine) Execute(ctx context.Context, code string, client *gateway.Client, accountID string) (any, error) {
	return e.run(ctx, "exec", code, func(l *lua.State) {
		l.NewTable()
		l.PushGoFunction(e.requestFunction(ctx, client))
		l.SetField(-2, "request")
		l.SetGlobal("api")

		if accountID != "" {
			l.PushString(accountID)
			l.SetGlobal("account_id")
		}
	})
}

// run compiles and executes one chunk in a fresh restricted state.
// install adds the invocation's capabilities before the chunk runs.
func (e *Engine) run(ctx context.Context, kind, code string, install func(*lua.State)) (result any, err error) {
	id := kind + "-" + randomID()

	// Capability functions raise Lua errors via panic when called
	// outside a protected frame; turn any escapee into a plain error.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sandbox panic", slog.String("unit", id), slog.Any("panic", r))
			err = fmt.Errorf("code execution failed: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := lua.NewState()
	openRestricted(l)
	install(l)

	if err := lua.LoadString(l, code); err != nil {
		return nil, fmt.Errorf("compiling code: %v", err)
	}

	if err := l.ProtectedCall(0, 1, 0); err != nil {
		e.logger.Debug("sandbox chunk failed", slog.String("unit", id), slog.String("error", err.Error()))
		return nil, fmt.Errorf("running code: %v", err)
	}

	result = luaToGo(l, -1)
	l.Pop(1)

	return result, nil
}

// requestFunction is the single network capability handed to execute
// invocations. It accepts an options table, performs the call through
// the pinned gateway client, and returns the normalized envelope as a
// Lua table. Failures are raised as Lua errors so scripts can pcall
// around them.
func (e *Engine) requestFunction(ctx context.Context, client *gateway.Client) lua.Function {
	return func(l *lua.State) int {
		lua.CheckType(l, 1, lua.TypeTable)
		raw := tableToMap(l, 1)

		opts := gateway.RequestOptions{
			Method: stringField(raw, "method"),
			Path:   stringField(raw, "path"),
			Body:   raw["body"],
		}
		opts.ContentType = stringField(raw, "content_type")
		opts.RawBody = stringField(raw, "raw_body")

		if opts.Path == "" {
			lua.Errorf(l, "request requires a path")
			return 0
		}

		if q, ok := raw["query"].(map[string]any); ok && len(q) > 0 {
			opts.Query = make(map[string]string, len(q))
			for k, v := range q {
				if v == nil {
					continue
				}
				opts.Query[k] = fmt.Sprint(v)
			}
		}

		env, err := client.Do(ctx, opts)
		if err != nil {
			lua.Errorf(l, "%s", err.Error())
			return 0
		}

		pushValue(l, envelopeToMap(env))

		return 1
	}
}

// openRestricted loads only the safe stdlib subset and removes the
// escape hatches the base library carries.
func openRestricted(l *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"table", lua.TableOpen},
		{"string", lua.StringOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "print"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

func envelopeToMap(env *gateway.Envelope) map[string]any {
	out := map[string]any{
		"success":  env.Success,
		"result":   env.Result,
		"errors":   messagesToSlice(env.Errors),
		"messages": messagesToSlice(env.Messages),
	}
	if env.Status != 0 {
		out["status"] = env.Status
	}

	return out
}

func messagesToSlice(msgs []gateway.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{"code": m.Code, "message": m.Message})
	}

	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func randomID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)

	return hex.EncodeToString(buf)
}
