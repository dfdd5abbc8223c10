package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/app"
	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/logging"
	"github.com/dshills/openiti-search/internal/mcp"
	"github.com/dshills/openiti-search/internal/service"
	"github.com/dshills/openiti-search/internal/storage"
)

// cli carries the state shared by the subcommands of one invocation.
type cli struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "openiti",
		Short:         "OpenITI corpus ingestion and hybrid search",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if c.verbose {
				level = "debug"
			}
			logger, err := logging.New(level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "openiti.yml", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.serveCmd(),
		c.ingestCmd(),
		c.searchCmd(),
		c.chunkCmd(),
		c.embedCmd(),
		c.healthCmd(),
		c.statusCmd(),
		versionCmd(),
	)
	return root
}

// open wires the application from the loaded config.
func (c *cli) open() (*app.App, error) {
	return app.New(c.cfg, c.logger)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			server, err := mcp.NewServer(a.Service, version, c.logger.Named("mcp"))
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			ctx := cmd.Context()
			errChan := make(chan error, 1)
			go func() {
				errChan <- server.Serve(ctx)
			}()

			select {
			case <-ctx.Done():
				c.logger.Info("shutting down")
			case err := <-errChan:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			}
			c.logger.Info("server stopped")
			return nil
		},
	}
}

func (c *cli) ingestCmd() *cobra.Command {
	var corpusRoot string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Discover, chunk and index the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if corpusRoot != "" {
				c.cfg.Ingest.CorpusRoot = corpusRoot
			}
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.Service.Ingest(cmd.Context())
			if stats != nil {
				if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&corpusRoot, "corpus-root", "", "corpus root directory (overrides ingest.corpus_root)")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		p       service.SearchParams
		priOnly bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed passages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Query = strings.Join(args, " ")
			if cmd.Flags().Changed("pri-only") {
				p.PriOnly = &priOnly
			}
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			resp, err := a.Service.Search(cmd.Context(), p)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Mode, "mode", "", "lexical, bm25, vector or hybrid")
	f.StringVar(&p.Tier, "tier", "", "lexical tier: baseline, normalized, variant_aware, full_pipeline")
	f.IntVar(&p.Page, "page", 1, "result page")
	f.IntVar(&p.Size, "size", 0, "results per page (default from config)")
	f.BoolVar(&priOnly, "pri-only", true, "only primary versions")
	f.StringVar(&p.Langs, "langs", "", "comma-separated language codes")
	f.StringVar(&p.Period, "period", "", "comma-separated periods")
	f.StringVar(&p.Region, "region", "", "comma-separated regions")
	f.StringVar(&p.Tags, "tags", "", "comma-separated tags")
	f.StringVar(&p.Version, "version-label", "", "comma-separated version labels")
	return cmd
}

func (c *cli) chunkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunk <chunk-id>",
		Short: "Print one stored chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			chunk, err := a.Service.GetChunk(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), chunk)
		},
	}
}

func (c *cli) embedCmd() *cobra.Command {
	var inputType string
	cmd := &cobra.Command{
		Use:   "embed <text>...",
		Short: "Embed texts with the configured model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Service.Embed(cmd.Context(), args, inputType)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&inputType, "input-type", "passage", "query or passage")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			h := a.Service.Health(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
			if !h.OK {
				return errors.New("one or more stores are unreachable")
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize ingest progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.Service.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "OpenITI Search\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Build Time: %s\n", buildTime)
			fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
			fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
			fmt.Fprintf(out, "Schema Version: %s\n", storage.CurrentSchemaVersion)
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
