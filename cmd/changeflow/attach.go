package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/spf13/cobra"
)

// Uploader stores attachment bytes under a file id.
type Uploader interface {
	Upload(ctx context.Context, fileID, filename, mimeType string, data []byte) error
}

func newAttachCmd(opts *globalOptions) *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "attach <file>...",
		Short: "Upload attachments and print their file ids",
		Long: `Upload files to the configured object store so requests can reference
them in attachment_ids. Each file is stored under <client>/<random id>/<name>.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Storage.Enabled() {
				return errors.New("storage.endpoint is not configured")
			}
			store, err := newStore(cfg.Storage)
			if err != nil {
				return err
			}
			uploaded, err := uploadFiles(cmd.Context(), store, client, args)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), uploaded)
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client id the files belong to")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

// uploadedFile describes one stored attachment.
type uploadedFile struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Bytes    int    `json:"bytes"`
}

func uploadFiles(ctx context.Context, store Uploader, client string, paths []string) ([]uploadedFile, error) {
	domain := envelope.SanitizeDomain(client)
	if domain == "" {
		return nil, errors.New("--client is required")
	}
	out := make([]uploadedFile, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("read %s: %w", path, err)
		}
		name := filepath.Base(path)
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		fileID := domain + "/" + uuid.NewString()[:8] + "/" + name
		if err := store.Upload(ctx, fileID, name, mimeType, data); err != nil {
			return out, fmt.Errorf("upload %s: %w", path, err)
		}
		out = append(out, uploadedFile{FileID: fileID, Filename: name, MimeType: mimeType, Bytes: len(data)})
	}
	return out, nil
}
