package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"realtime-sync/domain/events"
	"realtime-sync/infrastructure/config"
	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/syncclient"
)

// newCLIApp creates the CLI application with all commands. Endpoint flags
// default to the values read from the environment.
func newCLIApp(defaults config.ClientConfig, out io.Writer) *cli.App {
	app := &cli.App{
		Name:    "syncctl",
		Usage:   "Watch and edit realtime-sync rooms",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "crud-url", Value: defaults.CRUDBaseURL, Usage: "CRUD API base URL"},
			&cli.StringFlag{Name: "transport-url", Value: defaults.TransportURL, Usage: "Websocket endpoint URL"},
			&cli.StringFlag{Name: "token", Value: defaults.Credential, Usage: "Bearer credential"},
			&cli.BoolFlag{Name: "verbose", Usage: "Log client internals to stderr"},
		},
		Commands: []*cli.Command{
			watchCmd(out),
			snapshotCmd(out),
			presenceCmd(out),
			createCmd(out),
			updateCmd(out),
			deleteCmd(out),
			commentCmd(out),
			tokenCmd(out),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func newLogger(c *cli.Context) *zap.Logger {
	if !c.Bool("verbose") {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newAPI(c *cli.Context) (*syncclient.APIClient, error) {
	return syncclient.NewAPIClient(
		syncclient.DefaultAPIConfig(c.String("crud-url"), c.String("token")),
		newLogger(c),
	)
}

// roomArg returns the first positional argument.
func roomArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", apperrors.NewValidationError("room id is required")
	}
	return c.Args().Get(0), nil
}

// itemArgs returns the room and item positional arguments.
func itemArgs(c *cli.Context) (string, string, error) {
	if c.NArg() < 2 {
		return "", "", apperrors.NewValidationError("room id and item id are required")
	}
	return c.Args().Get(0), c.Args().Get(1), nil
}

// watchCmd streams a room: every event is printed as one JSON line.
func watchCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Join a room and print its events until interrupted",
		ArgsUsage: "<room>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "Local user id used to hide self echoes"},
		},
		Action: func(c *cli.Context) error {
			roomID, err := roomArg(c)
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}
			logger := newLogger(c)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine := syncclient.NewEngine(roomID, c.String("user"), api, logger)
			client := syncclient.NewClient(syncclient.ClientConfig{
				TransportURL: c.String("transport-url"),
				Credential:   c.String("token"),
			}, logger)
			sub := client.JoinRoom(roomID, &printingHandler{Engine: engine, out: out})
			defer sub.Release()

			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// printingHandler echoes every event before handing it to the engine.
type printingHandler struct {
	*syncclient.Engine
	out io.Writer
}

func (h *printingHandler) HandleEnvelope(env events.Envelope) bool {
	line, err := json.Marshal(env)
	if err == nil {
		fmt.Fprintln(h.out, string(line))
	}
	return h.Engine.HandleEnvelope(env)
}

func (h *printingHandler) OnConnect(ctx context.Context) error {
	if err := h.Engine.OnConnect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(h.out, "# synced %s: %d items\n", h.RoomID(), len(h.Items()))
	return nil
}

func snapshotCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Print the full state of a room",
		ArgsUsage: "<room>",
		Action: func(c *cli.Context) error {
			roomID, err := roomArg(c)
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}
			snap, err := api.FetchSnapshot(c.Context, roomID)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, snap)
		},
	}
}

func presenceCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "presence",
		Usage:     "Print the users present in a room",
		ArgsUsage: "<room>",
		Action: func(c *cli.Context) error {
			roomID, err := roomArg(c)
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}
			p, err := api.Presence(c.Context, roomID)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, p)
		},
	}
}

func createCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a work item",
		ArgsUsage: "<room>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Value: "todo", Usage: "Initial status"},
			&cli.StringSliceFlag{Name: "set", Usage: "Payload field as key=value (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			roomID, err := roomArg(c)
			if err != nil {
				return outputError(err)
			}
			payload, err := parseFields(c.StringSlice("set"))
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}
			created, err := api.CreateItem(c.Context, roomID, c.String("status"), payload)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, created)
		},
	}
}

// updateCmd sends a status change when only --status is given, otherwise a
// whole item update.
func updateCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Update a work item at the version you last saw",
		ArgsUsage: "<room> <item>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "version", Required: true, Usage: "Version the edit is based on"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "New status"},
			&cli.StringSliceFlag{Name: "set", Usage: "Payload field as key=value (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			roomID, itemID, err := itemArgs(c)
			if err != nil {
				return outputError(err)
			}
			payload, err := parseFields(c.StringSlice("set"))
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}

			var status *string
			if c.IsSet("status") {
				s := c.String("status")
				status = &s
			}
			if status == nil && len(payload) == 0 {
				return outputError(apperrors.NewValidationError("nothing to update: pass --status or --set"))
			}

			if status != nil && len(payload) == 0 {
				updated, err := api.ChangeStatus(c.Context, roomID, itemID, c.Int64("version"), *status)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(out, updated)
			}
			updated, err := api.UpdateItem(c.Context, roomID, itemID, c.Int64("version"), status, payload)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, updated)
		},
	}
}

func deleteCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a work item",
		ArgsUsage: "<room> <item>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "version", Required: true, Usage: "Version the delete is based on"},
		},
		Action: func(c *cli.Context) error {
			roomID, itemID, err := itemArgs(c)
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}
			deleted, err := api.DeleteItem(c.Context, roomID, itemID, c.Int64("version"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, deleted)
		},
	}
}

func commentCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "comment",
		Usage:     "Add a comment to a work item",
		ArgsUsage: "<room> <item>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Required: true, Usage: "Comment text"},
		},
		Action: func(c *cli.Context) error {
			roomID, itemID, err := itemArgs(c)
			if err != nil {
				return outputError(err)
			}
			api, err := newAPI(c)
			if err != nil {
				return outputError(err)
			}
			created, err := api.CreateComment(c.Context, roomID, itemID, map[string]any{"text": c.String("text")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, created)
		},
	}
}

// tokenCmd issues a development JWT signed with the shared secret.
func tokenCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a development credential",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "User id (subject)"},
			&cli.StringFlag{Name: "name", Usage: "Display name"},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Value: "realtime-sync-dev-secret", Usage: "HS256 signing secret"},
			&cli.StringFlag{Name: "issuer", EnvVars: []string{"JWT_ISSUER"}, Value: "realtime-sync", Usage: "Token issuer"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "Token lifetime"},
		},
		Action: func(c *cli.Context) error {
			issuer, err := auth.NewJWTIssuer(auth.JWTConfig{
				SecretKey: c.String("secret"),
				Issuer:    c.String("issuer"),
			}, c.Duration("ttl"))
			if err != nil {
				return outputError(err)
			}
			token, err := issuer.Issue(c.String("user"), c.String("name"))
			if err != nil {
				return outputError(err)
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
}

// parseFields turns key=value pairs into a payload. Values that parse as
// JSON keep their type; everything else is a string.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, apperrors.NewValidationError(fmt.Sprintf("invalid field %q, want key=value", pair))
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		fields[key] = v
	}
	return fields, nil
}

func outputJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the terminal. STALE_VERSION reports the
// server's version so the edit can be retried.
func outputError(err error) error {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return cli.Exit(err.Error(), 1)
	}
	if server, ok := apperrors.ServerVersion(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s (server version %s)", appErr.Type, appErr.Message, strconv.FormatInt(server, 10)), 1)
	}
	return cli.Exit(fmt.Sprintf("[%s] %s", appErr.Type, appErr.Message), 1)
}
