// Package cmd wires the chartered-git server's command-line entrypoint:
// flag parsing, host key material, and the listen/serve loop.
//
// Persistence (the relational users/crates/versions database) is
// deliberately out of scope of the Git core (spec.md §1): this binary
// serves against internal/registry's in-memory Fake, seeded with no
// crates. A real deployment embeds internal/sshd directly and supplies
// its own database-backed registry.Port in place of the Fake.
//
// Grounded on the teacher's own cli/main.go + cli/cmd/root.go: a single
// cobra root command with persistent flags and a debug-logging toggle,
// adapted from a one-shot CLI into a long-running serve loop.
package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/ttys3/chartered-git/internal/gitlog"
	"github.com/ttys3/chartered-git/internal/index"
	"github.com/ttys3/chartered-git/internal/registry"
	"github.com/ttys3/chartered-git/internal/sshd"
)

var (
	listenAddr  string
	hostKeyPath string
	baseURL     string
	debug       bool
	authorName  string
	authorEmail string
)

var rootCmd = &cobra.Command{
	Use:   "chartered-git",
	Short: "Serve a package registry's crate index as a read-only Git repository over SSH",
	Long: `chartered-git exposes a package registry's metadata index as if it were a
read-only Git repository served over SSH. A package manager client performs
"git fetch" against it (ssh://host/<organisation>) to obtain the current
index of published crates visible to the authenticated user.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command against a background context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command, stopping the serve loop when ctx
// is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "127.0.0.1:2233", "address to listen for SSH connections on")
	rootCmd.PersistentFlags().StringVar(&hostKeyPath, "host-key", "", "path to a PEM-encoded SSH host key; an ed25519 key is generated fresh (and not persisted) if unset")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8888", "base URL embedded in each fetch's config.json pointer blob")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	rootCmd.PersistentFlags().StringVar(&authorName, "commit-author-name", index.DefaultAuthor.Name, "name attributed to synthesised index commits")
	rootCmd.PersistentFlags().StringVar(&authorEmail, "commit-author-email", index.DefaultAuthor.Email, "email attributed to synthesised index commits")

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if debug {
			if err := os.Setenv("CHARTERED_GIT_LOG_LEVEL", "debug"); err != nil {
				return fmt.Errorf("failed to set debug log level: %w", err)
			}
		}
		return nil
	}
}

func runServe(c *cobra.Command, _ []string) error {
	logger := gitlog.NewSlog(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})))

	hostKey, err := loadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		return fmt.Errorf("chartered-git: host key: %w", err)
	}

	port := registry.NewFake()

	srv, err := sshd.New(sshd.Config{
		HostKey: hostKey,
		Port:    port,
		Author:  index.Author{Name: authorName, Email: authorEmail},
		BaseURL: baseURL,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("chartered-git: build server: %w", err)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("chartered-git: listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	logger.Info("listening", "addr", listenAddr)
	return srv.Serve(c.Context(), ln)
}

func logLevel() slog.Level {
	if debug || os.Getenv("CHARTERED_GIT_LOG_LEVEL") == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 host key: %w", err)
		}
		return ssh.NewSignerFromKey(priv)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}
	return ssh.ParsePrivateKey(raw)
}
