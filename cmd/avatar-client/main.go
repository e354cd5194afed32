// main package for avatar-client, a command line front end for the
// avatar-service HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/book-expert/avatar-service/internal/api"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/job"
	"github.com/urfave/cli/v3"
)

// Flag names.
const (
	flagServer  = "server"
	flagID      = "id"
	flagPage    = "page"
	flagSize    = "size"
	flagName    = "name"
	flagModel   = "model"
	flagText    = "text"
	flagAudio   = "audio"
	flagVoice   = "voice"
	flagVideo   = "video"
	flagStorage = "storage"
	flagOut     = "out"
)

const defaultServer = "http://localhost:8080"

var errNothingToModify = errors.New("nothing to modify: pass --name, --text or --voice")

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "avatar-client",
		Usage: "Manage avatar models, voices and synthesis jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagServer,
				Usage: "Base URL of the avatar-service API",
				Value: defaultServer,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "Check that the service is up",
				Action: healthAction,
			},
			{
				Name:  "models",
				Usage: "Manage source models",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List models",
						Flags:  listFlags(),
						Action: listAction("/models"),
					},
					{
						Name:  "add",
						Usage: "Register a model from a source video",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: flagName, Usage: "Model name", Required: true},
							&cli.StringFlag{Name: flagVideo, Usage: "Source video path, relative to the service import directory", Required: true},
							&cli.StringFlag{Name: flagStorage, Usage: "Storage mode (local or remote)", Value: string(core.StorageLocal)},
						},
						Action: addModelAction,
					},
					{
						Name:   "get",
						Usage:  "Show one model",
						Flags:  idFlags(),
						Action: getAction("/models"),
					},
					{
						Name:   "remove",
						Usage:  "Delete a model and its artifacts",
						Flags:  idFlags(),
						Action: removeAction("/models"),
					},
				},
			},
			{
				Name:  "voices",
				Usage: "Inspect trained voices",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List voices",
						Action: listVoicesAction,
					},
					{
						Name:  "audition",
						Usage: "Render a sample clip with a voice",
						Flags: append(idFlags(),
							&cli.StringFlag{Name: flagText, Usage: "Sample text", Required: true},
						),
						Action: auditionAction,
					},
				},
			},
			{
				Name:  "jobs",
				Usage: "Manage synthesis jobs",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List jobs",
						Flags:  listFlags(),
						Action: listAction("/jobs"),
					},
					{
						Name:   "get",
						Usage:  "Show one job",
						Flags:  idFlags(),
						Action: getAction("/jobs"),
					},
					{
						Name:  "create",
						Usage: "Create a draft job",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: flagModel, Usage: "Model id", Required: true},
							&cli.StringFlag{Name: flagName, Usage: "Job name", Required: true},
							&cli.StringFlag{Name: flagText, Usage: "Script to synthesize"},
							&cli.StringFlag{Name: flagAudio, Usage: "Pre-recorded audio path, relative to the service import directory"},
							&cli.Int64Flag{Name: flagVoice, Usage: "Voice id overriding the model voice"},
						},
						Action: createJobAction,
					},
					{
						Name:  "modify",
						Usage: "Change a draft job",
						Flags: append(idFlags(),
							&cli.StringFlag{Name: flagName, Usage: "New job name"},
							&cli.StringFlag{Name: flagText, Usage: "New script"},
							&cli.Int64Flag{Name: flagVoice, Usage: "New voice id"},
						),
						Action: modifyJobAction,
					},
					{
						Name:   "submit",
						Usage:  "Queue a job for synthesis",
						Flags:  idFlags(),
						Action: submitJobAction,
					},
					{
						Name:  "export",
						Usage: "Copy a finished video into the service export directory",
						Flags: append(idFlags(),
							&cli.StringFlag{Name: flagOut, Usage: "Destination path, relative to the export directory", Required: true},
						),
						Action: exportJobAction,
					},
					{
						Name:   "remove",
						Usage:  "Delete a job and its artifacts",
						Flags:  idFlags(),
						Action: removeAction("/jobs"),
					},
				},
			},
		},
	}
}

func idFlags() []cli.Flag {
	return []cli.Flag{&cli.Int64Flag{Name: flagID, Usage: "Record id", Required: true}}
}

func listFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: flagPage, Usage: "Page number, starting at 1", Value: 1},
		&cli.IntFlag{Name: flagSize, Usage: "Page size", Value: 10},
		&cli.StringFlag{Name: flagName, Usage: "Name substring filter"},
	}
}

func clientFor(cmd *cli.Command) *apiClient {
	return newAPIClient(cmd.String(flagServer))
}

func recordPath(prefix string, cmd *cli.Command) string {
	return prefix + "/" + strconv.FormatInt(cmd.Int64(flagID), 10)
}

// printJSON writes the response indented to the root command's writer.
func printJSON(cmd *cli.Command, data []byte) error {
	var out bytes.Buffer

	err := json.Indent(&out, data, "", "  ")
	if err != nil {
		out.Reset()
		out.Write(data)
	}

	out.WriteByte('\n')

	_, err = cmd.Root().Writer.Write(out.Bytes())

	return err
}

func healthAction(ctx context.Context, cmd *cli.Command) error {
	data, err := clientFor(cmd).call(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return fmt.Errorf("service is not healthy: %w", err)
	}

	return printJSON(cmd, data)
}

func listAction(prefix string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		query := url.Values{}
		query.Set(flagPage, strconv.Itoa(cmd.Int(flagPage)))
		query.Set(flagSize, strconv.Itoa(cmd.Int(flagSize)))

		if name := cmd.String(flagName); name != "" {
			query.Set(flagName, name)
		}

		data, err := clientFor(cmd).call(ctx, http.MethodGet, prefix, query, nil)
		if err != nil {
			return err
		}

		return printJSON(cmd, data)
	}
}

func getAction(prefix string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		data, err := clientFor(cmd).call(ctx, http.MethodGet, recordPath(prefix, cmd), nil, nil)
		if err != nil {
			return err
		}

		return printJSON(cmd, data)
	}
}

func removeAction(prefix string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		_, err := clientFor(cmd).call(ctx, http.MethodDelete, recordPath(prefix, cmd), nil, nil)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(cmd.Root().Writer, "removed %s\n", recordPath(prefix, cmd))

		return err
	}
}

func addModelAction(ctx context.Context, cmd *cli.Command) error {
	req := api.AddModelRequest{
		Name:      cmd.String(flagName),
		VideoPath: cmd.String(flagVideo),
		Storage:   core.StorageMode(cmd.String(flagStorage)),
	}

	data, err := clientFor(cmd).call(ctx, http.MethodPost, "/models", nil, req)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func listVoicesAction(ctx context.Context, cmd *cli.Command) error {
	data, err := clientFor(cmd).call(ctx, http.MethodGet, "/voices", nil, nil)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func auditionAction(ctx context.Context, cmd *cli.Command) error {
	req := api.AuditionRequest{Text: cmd.String(flagText)}

	data, err := clientFor(cmd).call(ctx, http.MethodPost, recordPath("/voices", cmd)+"/audition", nil, req)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func createJobAction(ctx context.Context, cmd *cli.Command) error {
	draft := job.Draft{
		ModelID:     cmd.Int64(flagModel),
		Name:        cmd.String(flagName),
		TextContent: cmd.String(flagText),
		AudioPath:   cmd.String(flagAudio),
		VoiceID:     cmd.Int64(flagVoice),
	}

	data, err := clientFor(cmd).call(ctx, http.MethodPost, "/jobs", nil, draft)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func modifyJobAction(ctx context.Context, cmd *cli.Command) error {
	var patch job.Patch

	if cmd.IsSet(flagName) {
		name := cmd.String(flagName)
		patch.Name = &name
	}

	if cmd.IsSet(flagText) {
		text := cmd.String(flagText)
		patch.TextContent = &text
	}

	if cmd.IsSet(flagVoice) {
		voiceID := cmd.Int64(flagVoice)
		patch.VoiceID = &voiceID
	}

	if patch.Name == nil && patch.TextContent == nil && patch.VoiceID == nil {
		return errNothingToModify
	}

	data, err := clientFor(cmd).call(ctx, http.MethodPatch, recordPath("/jobs", cmd), nil, patch)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func submitJobAction(ctx context.Context, cmd *cli.Command) error {
	data, err := clientFor(cmd).call(ctx, http.MethodPost, recordPath("/jobs", cmd)+"/submit", nil, nil)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func exportJobAction(ctx context.Context, cmd *cli.Command) error {
	req := api.ExportRequest{OutPath: cmd.String(flagOut)}

	data, err := clientFor(cmd).call(ctx, http.MethodPost, recordPath("/jobs", cmd)+"/export", nil, req)
	if err != nil {
		return err
	}

	return printJSON(cmd, data)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newApp().Run(ctx, os.Args)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
