package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/channel"
)

// errCallFailed is returned after the failure has already been printed
var errCallFailed = errors.New("call failed")

func newCallCommand(a *app) *cobra.Command {
	var linger time.Duration

	cmd := &cobra.Command{
		Use:   "call <method> [json-arguments]",
		Short: "Start the worker, invoke one method, print the result and dispose",
		Example: `  mcpchannel call testConnection
  mcpchannel call processMessage '{"requestId":"r1","text":"hello"}'
  mcpchannel call streamMessage '{"text":"a b c"}' --linger 2s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
				if params == nil {
					params = map[string]any{}
				}
			}

			rt, err := a.build()
			if err != nil {
				return err
			}
			defer rt.close()

			out := &lineOutput{w: cmd.OutOrStdout()}
			cancel := rt.relay.Listen(func(payload json.RawMessage) {
				out.write(map[string]any{"event": payload})
			})
			defer cancel()

			return runCall(cmd.Context(), rt, out, args[0], params, linger)
		},
	}

	cmd.Flags().DurationVar(&linger, "linger", 0, "keep printing worker events for this long after the call returns")
	return cmd
}

func runCall(ctx context.Context, rt *stack, out *lineOutput, method string, params map[string]any, linger time.Duration) error {
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), rt.config.Relay.PingTimeout+time.Second)
		defer cancel()
		if _, err := rt.channel.Invoke(disposeCtx, "dispose", map[string]any{}); err != nil {
			rt.logger.Warn("dispose failed", zap.Error(err))
		}
	}()

	if method != "initialize" && method != "dispose" {
		if _, err := rt.channel.Invoke(ctx, "initialize", map[string]any{}); err != nil {
			out.failure(err)
			return errCallFailed
		}
	}

	result, err := rt.channel.Invoke(ctx, method, params)
	if err != nil {
		out.failure(err)
		return errCallFailed
	}
	out.write(map[string]any{"result": result})

	if linger > 0 {
		timer := time.NewTimer(linger)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}

// lineOutput writes one JSON document per line; events and results may race
type lineOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *lineOutput) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"code": "ENCODE_FAILED", "message": err.Error()})
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = o.w.Write(append(data, '\n'))
}

func (o *lineOutput) failure(err error) {
	if errors.Is(err, channel.ErrNotImplemented) {
		o.write(map[string]any{"code": "NOT_IMPLEMENTED", "message": err.Error()})
		return
	}
	code, message, details := channel.Describe(err)
	body := map[string]any{"code": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	o.write(body)
}
