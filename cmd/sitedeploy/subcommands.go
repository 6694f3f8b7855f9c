package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/sitedeploy/internal/archive"
	"github.com/3cpo-dev/sitedeploy/internal/core"
	"github.com/3cpo-dev/sitedeploy/internal/deploy"
	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/internal/site/kudu"
	"github.com/3cpo-dev/sitedeploy/internal/site/sshsite"
	gssh "github.com/3cpo-dev/sitedeploy/internal/ssh"
	"github.com/3cpo-dev/sitedeploy/internal/telemetry"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// newRegistry registers every transport built from cfg.
func newRegistry(cfg core.Config) *site.Registry {
	reg := site.NewRegistry()
	reg.Register("kudu", func() (site.Client, error) {
		k := cfg.Site.Kudu
		retry := kudu.DefaultRetryConfig()
		retry.MaxRetries = k.Retries
		return kudu.New(kudu.Config{
			URL:            k.URL,
			Username:       k.Username,
			Password:       k.Password,
			Token:          k.Token,
			Timeout:        time.Duration(k.TimeoutSeconds) * time.Second,
			CommandTimeout: time.Duration(k.CommandTimeoutSeconds) * time.Second,
			Retry:          retry,
		})
	})
	reg.Register("ssh", func() (site.Client, error) {
		s := cfg.Site.SSH
		signer, err := gssh.LoadPrivateKeySigner(s.KeyPath)
		if err != nil {
			return nil, err
		}
		hostKeys, err := gssh.HostKeyCallback(s.KnownHosts, s.AcceptNewHostKeys)
		if err != nil {
			return nil, err
		}
		return sshsite.New(sshsite.Config{
			SSH: gssh.Client{
				Addr:       fmt.Sprintf("%s:%d", s.Host, s.Port),
				User:       s.User,
				Signer:     signer,
				KnownHosts: hostKeys,
				Timeout:    30 * time.Second,
				Retries:    2,
			},
			Home:           s.Home,
			CommandTimeout: time.Duration(s.CommandTimeoutSeconds) * time.Second,
		})
	})
	return reg
}

// session is everything a site command needs, opened from flags and config.
type session struct {
	cfg     core.Config
	client  site.Client
	journal *core.Store
	build   core.BuildContext
}

func siteName(cfg core.Config) string {
	if cfg.Site.Transport == "ssh" {
		return cfg.Site.SSH.Host
	}
	if u, err := url.Parse(cfg.Site.Kudu.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return cfg.Site.Kudu.URL
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if t, _ := cmd.Flags().GetString("transport"); t != "" {
		cfg.Site.Transport = t
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	client, err := newRegistry(cfg).Open(cfg.Site.Transport)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, client: client, build: core.LoadBuildContext(core.EnvLookup)}
	if !cfg.Journal.Disabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0700); err != nil {
			log.Warn().Err(err).Msg("journal unavailable")
		} else if st, err := core.NewStore(cfg.Journal.Path, siteName(cfg)); err != nil {
			log.Warn().Err(err).Msg("journal unavailable")
		} else {
			s.journal = st
		}
	}
	return s, nil
}

func (s *session) orchestrator() *deploy.Orchestrator {
	opts := []deploy.Option{
		deploy.WithPackager(archive.Zipper{TempDir: s.build.TempDir}),
		deploy.WithRetryTimeout(core.RetryTimeoutOverride(core.EnvLookup)),
	}
	if s.journal != nil {
		opts = append(opts, deploy.WithJournal(s.journal))
	}
	return deploy.New(s.client, s.build, opts...)
}

func (s *session) Close() {
	if c, ok := s.client.(io.Closer); ok {
		_ = c.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	telemetry.Shutdown()
}

// Deploy a package
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a zip, WAR or directory package to the site",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, _ := cmd.Flags().GetString("package")
			physical, _ := cmd.Flags().GetString("physical-path")
			virtual, _ := cmd.Flags().GetString("virtual-path")
			offline, _ := cmd.Flags().GetBool("app-offline")
			noRecord, _ := cmd.Flags().GetBool("no-record")
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if physical == "" {
				physical = s.cfg.Site.PhysicalRoot
			}
			o := s.orchestrator()
			err = o.DeployPackage(cmd.Context(), deploy.PackageRequest{
				PackagePath:    pkg,
				PhysicalPath:   physical,
				VirtualPath:    virtual,
				TakeAppOffline: offline,
			})
			if !noRecord {
				o.RecordDeployment(context.WithoutCancel(cmd.Context()), err == nil, "", map[string]any{"type": deploy.TypeDeployment})
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s (id %s)\n", pkg, o.DeploymentID())
			return nil
		},
	}
	cmd.Flags().String("package", "", "package path: .zip, .war or a directory")
	cmd.Flags().String("physical-path", "", "target physical path (default site.physical_root)")
	cmd.Flags().String("virtual-path", "", "virtual path below the WAR directory")
	cmd.Flags().Bool("app-offline", false, "take the app offline while deploying")
	cmd.Flags().Bool("no-record", false, "do not record deployment history")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

// Run a post-deployment script
func newRunScriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-script",
		Short: "Run a post-deployment script in the site's web root",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			inline, _ := cmd.Flags().GetString("inline")
			scriptPath, _ := cmd.Flags().GetString("path")
			offline, _ := cmd.Flags().GetBool("app-offline")
			noRecord, _ := cmd.Flags().GetBool("no-record")
			req := deploy.ScriptRequest{Inline: inline, Path: scriptPath, AppOffline: offline}
			switch typ {
			case "inline":
				req.Type = api.ScriptInline
			case "file":
				req.Type = api.ScriptFile
			default:
				return fmt.Errorf("unknown script type %q; use inline or file", typ)
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			req.Linux = s.cfg.Site.Linux
			if cmd.Flags().Changed("linux") {
				req.Linux, _ = cmd.Flags().GetBool("linux")
			}
			o := s.orchestrator()
			err = o.RunPostDeploymentScript(cmd.Context(), req)
			if !noRecord {
				o.RecordDeployment(context.WithoutCancel(cmd.Context()), err == nil, "", map[string]any{"type": deploy.TypeScript})
			}
			return err
		},
	}
	cmd.Flags().String("type", "inline", "script source: inline or file")
	cmd.Flags().String("inline", "", "inline script text")
	cmd.Flags().String("path", "", "script file (.sh for Linux, .cmd/.bat otherwise)")
	cmd.Flags().Bool("linux", false, "target is a Linux site (default from site.linux)")
	cmd.Flags().Bool("app-offline", false, "take the app offline while the script runs")
	cmd.Flags().Bool("no-record", false, "do not record deployment history")
	return cmd
}

// Record a history entry
func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a deployment history entry for the site",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed, _ := cmd.Flags().GetBool("failed")
			id, _ := cmd.Flags().GetString("id")
			typ, _ := cmd.Flags().GetString("type")
			fields, _ := cmd.Flags().GetStringToString("message")
			extra := map[string]any{"type": typ}
			for k, v := range fields {
				extra[k] = v
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			o := s.orchestrator()
			o.RecordDeployment(cmd.Context(), !failed, id, extra)
			if id == "" {
				id = o.DeploymentID()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", id)
			return nil
		},
	}
	cmd.Flags().Bool("failed", false, "record a failed deployment")
	cmd.Flags().String("id", "", "deployment id (default: generated)")
	cmd.Flags().String("type", deploy.TypeDeployment, "message type")
	cmd.Flags().StringToString("message", nil, "extra message fields, key=value")
	return cmd
}

// deploymentLister is implemented by transports that can read history back.
type deploymentLister interface {
	ListDeployments(ctx context.Context) ([]api.HistoryRecord, error)
}

// List recorded history
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			remote, _ := cmd.Flags().GetBool("remote")
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if remote {
				lister, ok := s.client.(deploymentLister)
				if !ok {
					return fmt.Errorf("transport %s cannot list deployments", s.cfg.Site.Transport)
				}
				recs, err := lister.ListDeployments(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tSTATUS\tACTIVE\tAUTHOR\tMESSAGE")
				for i, r := range recs {
					if limit > 0 && i >= limit {
						break
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", r.ID, r.Status, r.Active, r.Author, r.Message)
				}
				return nil
			}

			if s.journal == nil {
				return errors.New("journal disabled; use --remote")
			}
			entries, err := s.journal.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RECORDED\tSITE\tID\tSTATUS\tACTIVE\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", e.RecordedAt.Local().Format(time.RFC3339), e.Site, e.ID, e.Status, e.Active, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries to show (0 for all)")
	cmd.Flags().Bool("remote", false, "read history from the site instead of the local journal")
	return cmd
}

// Initialize configuration and keys
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "sitedeploy initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			var cfg core.Config
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				cfg = core.DefaultConfig()
				if err := core.WriteConfig(cfgPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote default config to %s\n", cfgPath)
			} else {
				if cfg, err = core.LoadConfig(cfgPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "config exists at %s\n", cfgPath)
			}

			if _, err := os.Stat(cfg.Site.SSH.KeyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(cfg.Site.SSH.KeyPath, "sitedeploy")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated deploy key %s\n%s", cfg.Site.SSH.KeyPath, pub)
			} else {
				fmt.Fprintf(out, "deploy key exists at %s\n", cfg.Site.SSH.KeyPath)
			}
			if err := gssh.EnsureKnownHostsFile(cfg.Site.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Fprintf(out, "known_hosts ready at %s\n", cfg.Site.SSH.KnownHosts)
			return nil
		},
	}
}
