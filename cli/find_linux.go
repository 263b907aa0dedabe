//go:build linux

package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asyncmongo/asyncmongo/pkg/async"
	"github.com/asyncmongo/asyncmongo/pkg/evloop"
	"github.com/asyncmongo/asyncmongo/pkg/models"
	"github.com/asyncmongo/asyncmongo/utils"
)

func init() {
	commands = append(commands, findCmd)
}

func findCmd(_ context.Context, a *app) *cobra.Command {
	var (
		limit    int32
		exhaust  bool
		selector string
	)

	cmd := &cobra.Command{
		Use:   "find DATABASE COLLECTION [QUERY]",
		Short: "run a query and print the matching documents",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryJSON := "{}"
			if len(args) == 3 {
				queryJSON = args[2]
			}
			var query bsoncore.Document
			if err := bson.UnmarshalExtJSON([]byte(queryJSON), true, &query); err != nil {
				return fmt.Errorf("invalid query document: %w", err)
			}
			var fields bsoncore.Document
			if selector != "" {
				if err := bson.UnmarshalExtJSON([]byte(selector), true, &fields); err != nil {
					return fmt.Errorf("invalid field selector: %w", err)
				}
			}

			return runFind(cmd.Context(), a, args[0], args[1], query, fields, limit, exhaust)
		},
	}

	cmd.Flags().Int32Var(&limit, "limit", 0, "number of documents per batch (-1 for a single document)")
	cmd.Flags().BoolVar(&exhaust, "exhaust", false, "stream every batch without get-more round trips")
	cmd.Flags().StringVar(&selector, "fields", "", "return-fields selector as extended JSON")
	return cmd
}

func connect(a *app) (*async.Context, error) {
	cfg := a.cfg
	switch {
	case cfg.UnixPath != "":
		return async.ConnectUnix(a.logger, cfg.UnixPath)
	case cfg.SourceAddr != "" && cfg.ReuseAddr:
		return async.ConnectBindWithReuse(a.logger, cfg.Host, cfg.Port, cfg.SourceAddr)
	case cfg.SourceAddr != "":
		return async.ConnectBind(a.logger, cfg.Host, cfg.Port, cfg.SourceAddr)
	default:
		return async.Connect(a.logger, cfg.Host, cfg.Port)
	}
}

func runFind(ctx context.Context, a *app, db, col string, query, fields bsoncore.Document, limit int32, exhaust bool) error {
	ac, err := connect(a)
	if err != nil {
		utils.LogError(a.logger, err, "failed to start the connection")
		return err
	}
	if a.cfg.KeepAlive {
		if err := ac.Conn().EnableKeepAlive(a.cfg.KeepAliveInterval); err != nil {
			utils.LogError(a.logger, err, "failed to enable keepalive")
			return err
		}
	}

	loop, err := evloop.New(a.logger, ac)
	if err != nil {
		utils.LogError(a.logger, err, "failed to create the event loop")
		return err
	}

	var disconnectErr error
	if err := ac.SetConnectCallback(func(ac *async.Context, err error) {
		if err != nil {
			utils.LogError(a.logger, err, "connect failed")
			return
		}
		a.logger.Debug("connected", zap.String("host", a.cfg.Host))
	}); err != nil {
		return err
	}
	if err := ac.SetDisconnectCallback(func(_ *async.Context, err error) {
		disconnectErr = err
	}); err != nil {
		return err
	}

	printed := 0
	onReply := func(ac *async.Context, reply *models.Reply, _ interface{}) {
		if reply == nil {
			return
		}
		if reply.Type == models.ReplyError {
			color.Red("query failed: %s", reply.Str)
			ac.Disconnect()
			return
		}
		for _, doc := range reply.Elements {
			jsonBytes, err := bson.MarshalExtJSON(doc, true, false)
			if err != nil {
				utils.LogError(a.logger, err, "failed to render the reply document")
				continue
			}
			color.Green("%s", jsonBytes)
			printed++
		}
		if reply.CursorID == 0 || !exhaust {
			ac.Disconnect()
		}
	}

	if exhaust {
		err = ac.FindAll(onReply, nil, db, col, query, fields, limit)
	} else {
		err = ac.Query(onReply, nil, 0, db, col, 0, limit, query, fields)
	}
	if err != nil {
		ac.Free()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	if disconnectErr != nil {
		return disconnectErr
	}
	a.logger.Info("query finished", zap.Int("documents", printed))
	return nil
}
