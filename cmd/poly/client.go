package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/polystore/polystore"
	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/security"
)

// securityContext builds the caller's security context from the shared
// flags. Nil when no identity was given, which secured models reject.
func securityContext() *security.Context {
	if ctxUser == "" && len(ctxRoles) == 0 && len(ctxGroups) == 0 {
		return nil
	}
	return &security.Context{UserID: ctxUser, Roles: ctxRoles, Groups: ctxGroups}
}

func daemonSocket() string {
	if socketFlag != "" {
		return socketFlag
	}
	return config.DefaultSocketPath()
}

// connectDaemon returns a client when a daemon is reachable, or nil when
// the caller should fall back to direct mode. --host makes an
// unreachable daemon an error rather than a fallback.
func connectDaemon() (*rpc.Client, error) {
	if directMode {
		return nil, nil
	}
	if hostFlag != "" {
		token := tokenFlag
		if token == "" {
			token = rpc.DaemonToken()
		}
		return rpc.ConnectTCP(hostFlag, token)
	}
	return rpc.TryConnectAuto(daemonSocket())
}

// dispatch sends one operation to the daemon, or executes it against an
// in-process store when no daemon is running.
func dispatch(op string, args any) (json.RawMessage, error) {
	cli, err := connectDaemon()
	if err != nil {
		return nil, err
	}
	if cli != nil {
		defer cli.Close()
		resp, err := cli.Execute(op, args)
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	}

	store, err := polystore.Open(rootCtx, configPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	srv := rpc.NewServer(store.Engines(), rpc.ServerOptions{Version: Version})
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp := srv.Dispatch(&rpc.Request{Operation: op, Args: raw})
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

// runDataops dispatches one dataops call and decodes the result.
func runDataops(args *rpc.DataopsArgs) (*rpc.DataopsResult, error) {
	if args.Context == nil {
		args.Context = securityContext()
	}
	data, err := dispatch(rpc.OpDataops, args)
	if err != nil {
		return nil, err
	}
	var result rpc.DataopsResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
