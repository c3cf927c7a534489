package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"docsense-go/internal/app"
	"docsense-go/internal/config"
	"docsense-go/internal/model"
	"docsense-go/pkg/log"
	"docsense-go/pkg/tika"
	"docsense-go/pkg/token"

	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Document ingestion and question answering",
		Long:          `Ingests documents into the vector store and answers questions about them, using the same configuration as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./configs/config.yaml", "config file path")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output results as JSON")

	root.AddCommand(
		newIngestCmd(opts),
		newAskCmd(opts),
		newSummarizeCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	return cfg, nil
}

// withApp 加载配置、组装 App，执行 fn 后释放连接。
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer log.Sync()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func newIngestCmd(opts *options) *cobra.Command {
	var fileKey string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk, embed and store a local file",
		Long: `Reads a local file and ingests it synchronously. Plain text files are read as-is;
other formats are sent to the configured Tika server for text extraction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				text, err := readText(ctx, a.Config.Tika, args[0])
				if err != nil {
					return err
				}
				key := fileKey
				if key == "" {
					key = filepath.Base(args[0])
				}
				res, err := a.Documents.IngestText(ctx, key, text)
				if err != nil && res == nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd, res)
				}
				printIngestion(cmd, res)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&fileKey, "file-key", "", "file key to ingest under (default: file name)")
	return cmd
}

func readText(ctx context.Context, cfg config.TikaConfig, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".csv", ".log", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if cfg.ServerURL == "" {
		return "", fmt.Errorf("tika.server_url is required to extract text from %s", filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return tika.NewClient(cfg).ExtractText(ctx, f, filepath.Base(path))
}

func printIngestion(cmd *cobra.Command, res *model.IngestionResult) {
	cmd.Printf("Document: %s (doc_id %s)\n", res.FileKey, res.DocID)
	cmd.Printf("Status:   %s\n", res.Status)
	cmd.Printf("Chunks:   %d ingested, %d failed, %d total\n", res.ChunksIngested, res.ChunksFailed, res.TotalChunks)
	for _, f := range res.FailedChunks {
		cmd.Printf("  chunk %d failed at %s: %s\n", f.Index, f.Stage, f.Error)
	}
}

func newAskCmd(opts *options) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "ask <file-key> <question>",
		Short: "Answer a question about an ingested document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.QA.Answer(ctx, args[0], args[1], topK)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd, res)
				}
				cmd.Println(res.Answer)
				if len(res.Sources) > 0 {
					cmd.Println()
					cmd.Println("Sources:")
					for i, s := range res.Sources {
						cmd.Printf("  [%d] chunk %d (%.2f) %s\n", i+1, s.ChunkIndex, s.Score, s.Content)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of chunks to retrieve (default: retrieval.top_k)")
	return cmd
}

func newSummarizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <file-key>",
		Short: "Summarize an ingested document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.QA.Summarize(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd, res)
				}
				cmd.Println(res.Summary)
				return nil
			})
		},
	}
}

func newTokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is empty; the API does not require tokens")
			}
			tok, err := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours).GenerateToken(subject, role)
			if err != nil {
				return err
			}
			cmd.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "caller identity stored in the sub claim")
	cmd.Flags().StringVar(&role, "role", "user", "role claim (admin may delete documents)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
