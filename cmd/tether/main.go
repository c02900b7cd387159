package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherd-dev/tetherd/internal/adminclient"
	"github.com/tetherd-dev/tetherd/internal/config"
	"github.com/tetherd-dev/tetherd/internal/remote"
	tetherdversion "github.com/tetherd-dev/tetherd/internal/version"
)

var dataDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "tether",
		Short:         "Control a running tetherd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = tetherdversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.tetherd)")

	rootCmd.AddCommand(
		statusCmd(),
		enableCmd(),
		disableCmd(),
		pairCmd(),
		revokeCmd(),
		tunnelCmd(),
		deleteCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func client() *adminclient.Client {
	paths := config.GetDataPaths(dataDir)
	return adminclient.New(paths.AdminSocket)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show remote-access status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
}

func enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Enable remote access",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Enable(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Remote access enabled on %s:%d\n", status.BindHost, status.GatewayPort)
			return nil
		},
	}
}

func disableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable remote access",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client().Disable(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Remote access disabled")
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Issue a pairing code for a new device",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := client().IssuePairingCode(cmd.Context())
			if err != nil {
				return err
			}
			expires := time.UnixMilli(code.ExpiresAt).Format(time.Kitchen)
			fmt.Printf("Pairing code: %s (expires %s)\n", code.Code, expires)
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().RevokeDevice(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Device revoked")
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete all remote-access configuration and devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client().DeleteAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Remote access configuration deleted")
			return nil
		},
	}
}

func tunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Control the tunnel",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the configured tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().StartTunnel(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Tunnel %s at %s\n", status.Tunnel.State, status.Tunnel.PublicURL)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client().StopTunnel(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Tunnel stopped")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mode <tailscale|cloudflare|custom>",
		Short: "Switch tunnel provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().SetTunnelMode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Tunnel mode set to %s\n", status.TunnelMode)
			return nil
		},
	})

	cmd.AddCommand(optionsCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the provider binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client().InstallTunnelBinary(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Binary installed")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "auth",
		Short: "Run the provider login flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client().AuthenticateTunnel(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Authenticated")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Force a tunnel health probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().RefreshHealth(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	})

	return cmd
}

func optionsCmd() *cobra.Command {
	var (
		publicURL  string
		name       string
		domain     string
		visibility string
	)

	cmd := &cobra.Command{
		Use:   "options",
		Short: "Update tunnel options",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := remote.TunnelOptions{}
			if cmd.Flags().Changed("public-url") {
				opts.PublicBaseURL = &publicURL
			}
			if cmd.Flags().Changed("name") {
				opts.TunnelName = &name
			}
			if cmd.Flags().Changed("domain") {
				opts.TunnelDomain = &domain
			}
			if cmd.Flags().Changed("visibility") {
				opts.TunnelVisibility = &visibility
			}

			status, err := client().SetTunnelOptions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}

	cmd.Flags().StringVar(&publicURL, "public-url", "", "explicit public base URL")
	cmd.Flags().StringVar(&name, "name", "", "tunnel name")
	cmd.Flags().StringVar(&domain, "domain", "", "custom domain (cloudflare)")
	cmd.Flags().StringVar(&visibility, "visibility", "", "public or private")
	return cmd
}

func printStatus(status remote.Status) {
	fmt.Printf("Enabled:        %t\n", status.Enabled)
	fmt.Printf("Gateway:        running=%t port=%d\n", status.GatewayRunning, status.GatewayPort)
	fmt.Printf("Tunnel mode:    %s (%s)\n", status.TunnelMode, status.TunnelVisibility)
	fmt.Printf("Tunnel state:   %s\n", status.Tunnel.State)
	if status.Tunnel.PublicURL != "" {
		fmt.Printf("Public URL:     %s\n", status.Tunnel.PublicURL)
	}
	if status.Tunnel.LastError != "" {
		fmt.Printf("Last error:     %s\n", status.Tunnel.LastError)
	}
	fmt.Printf("Binary:         installed=%t", status.Tunnel.BinaryInstalled)
	if status.Tunnel.BinaryPath != "" {
		fmt.Printf(" (%s)", status.Tunnel.BinaryPath)
	}
	fmt.Println()
	fmt.Printf("Auth status:    %s\n", status.Tunnel.AuthStatus)
	fmt.Printf("Devices:        %d\n", status.DeviceCount)
	fmt.Printf("Config health:  %s", status.ConfigHealth.State)
	if status.ConfigHealth.Reason != "" {
		fmt.Printf(" (%s)", status.ConfigHealth.Reason)
	}
	fmt.Println()
	if op := status.LastOperation; op != nil {
		fmt.Printf("Last operation: %s at %s\n", op.Step,
			time.UnixMilli(op.At).Format(time.RFC3339))
	}
	if len(status.Diagnostics) > 0 {
		fmt.Println("Recent diagnostics:")
		for i, entry := range status.Diagnostics {
			if i >= 5 {
				break
			}
			fmt.Printf("  [%s] %s: %s\n", strings.ToUpper(string(entry.Level)), entry.Step, entry.Message)
		}
	}
}
