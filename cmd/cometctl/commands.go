package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/comet/internal/bus"
	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/protocol"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "comet.yaml", "Path to configuration file")
	return cmd
}

type translateOptions struct {
	server  string
	file    string
	target  string
	source  string
	modelID string
	out     string
	timeout time.Duration
}

type translateResult struct {
	SourceText     string `json:"source_text"`
	TranslatedText string `json:"translated_text"`
	AudioBase64    string `json:"audio_base64"`
	AudioFormat    string `json:"audio_format"`
	TargetLanguage string `json:"target_language"`
	Error          *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTranslateCmd() *cobra.Command {
	var opts translateOptions
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate a WAV file through /v1/audio/translate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTranslate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8000", "Base URL of the comet server")
	f.StringVar(&opts.file, "file", "", "WAV file to translate")
	f.StringVar(&opts.target, "target", "", "Target language (BCP 47)")
	f.StringVar(&opts.source, "source", "", "Source language hint")
	f.StringVar(&opts.modelID, "model", "", "Voice model id used for synthesis")
	f.StringVar(&opts.out, "out", "", "Write the synthesized audio to this file")
	f.DurationVar(&opts.timeout, "timeout", time.Minute, "Request timeout")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runTranslate(ctx context.Context, out io.Writer, opts translateOptions) error {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", filepath.Base(opts.file))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	for k, v := range map[string]string{"target_language": opts.target, "source_language": opts.source, "model_id": opts.modelID} {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.server, "/")+"/v1/audio/translate", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res translateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if res.Error != nil {
		return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
	}
	fmt.Fprintf(out, "source:      %s\n", res.SourceText)
	fmt.Fprintf(out, "translation: %s (%s)\n", res.TranslatedText, res.TargetLanguage)
	if opts.out != "" && res.AudioBase64 != "" {
		audio, err := base64.StdEncoding.DecodeString(res.AudioBase64)
		if err != nil {
			return fmt.Errorf("decode audio: %w", err)
		}
		if err := os.WriteFile(opts.out, audio, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "audio:       %s (%s, %d bytes)\n", opts.out, res.AudioFormat, len(audio))
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	var (
		servers []string
		prefix  string
		roomID  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print room lifecycle events from the NATS feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default().Bus
			cfg.Servers = servers
			cfg.SubjectPrefix = prefix
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			client, err := bus.Connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			sub, err := client.Subscribe(roomID, func(ev protocol.RoomEvent) {
				_ = enc.Encode(ev)
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&servers, "servers", []string{"nats://localhost:4222"}, "NATS server URLs")
	f.StringVar(&prefix, "prefix", "comet", "Subject prefix")
	f.StringVar(&roomID, "room", "", "Only show events of this room")
	return cmd
}
