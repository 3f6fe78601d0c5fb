// Command cyberspaced is the world-state server's entry point: a single
// cobra root command that loads (or defaults) the on-disk config, applies
// CLI flag overrides, builds the wired app.Server, and runs it until a
// signal arrives, grounded on the teacher's cmd/wt root-command shape
// (flags bound with cmd.Flags(), an errCh/signal.NotifyContext shutdown
// select) described in SPEC_FULL.md's AMBIENT STACK section.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberspaced/cyberspaced/internal/app"
	"github.com/cyberspaced/cyberspaced/internal/config"
)

var (
	flagStateDir   string
	flagListenPort int
	flagUDPPort    int
	flagReadOnly   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cyberspaced:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cyberspaced",
		Short: "Persistent multi-user 3D virtual-world server",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", defaultStateDir(), "root of on-disk state (records file, resources dir, photos dir)")
	root.Flags().IntVar(&flagListenPort, "listen-port", 0, "TCP listen port (default 7600, or cyberspaced.yaml's listen_addr)")
	root.Flags().IntVar(&flagUDPPort, "udp-port", 0, "UDP voice-broadcast port (default 7601, or cyberspaced.yaml's udp_addr)")
	root.Flags().BoolVar(&flagReadOnly, "read-only", false, "reject every mutating frame with a typed error")

	root.AddCommand(newDashTokenCmd())
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagStateDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagListenPort != 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", flagListenPort)
	}
	if flagUDPPort != 0 {
		cfg.UDPAddr = fmt.Sprintf(":%d", flagUDPPort)
	}
	if flagReadOnly {
		cfg.ReadOnly = true
	}

	srv, err := app.New(cfg, flagStateDir)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return srv.Run(ctx)
}

// newDashTokenCmd mints an admin bearer token for the diagnostic websocket
// feed (internal/dash) without exposing a login flow over the network,
// per app.Server.IssueDashToken's doc comment.
func newDashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash-token",
		Short: "mint an admin token for the diagnostic dashboard feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagStateDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			srv, err := app.New(cfg, flagStateDir)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			tok, err := srv.IssueDashToken()
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.cyberspaced"
	}
	return ".cyberspaced"
}
