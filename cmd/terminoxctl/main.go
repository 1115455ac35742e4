package main

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/terminox/agent/internal/authn"
	"github.com/terminox/agent/internal/config"
	"github.com/terminox/agent/internal/pairing"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "terminoxctl",
		Short: "operator CLI for the terminox agent",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $HOME/.terminox/config.yaml)")

	root.AddCommand(
		statusCmd(&configPath),
		devicesCmd(&configPath),
		keygenCmd(),
		authCmd(&configPath),
		pairCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

type infoResponse struct {
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent health and active session counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.HealthAddr == "" {
				return fmt.Errorf("health_addr not configured")
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get("http://" + cfg.HealthAddr + "/info")
			if err != nil {
				return fmt.Errorf("agent not reachable at %s: %w", cfg.HealthAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("agent returned %d", resp.StatusCode)
			}

			var info infoResponse
			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return fmt.Errorf("decode /info response: %w", err)
			}
			fmt.Printf("version:     %s\nconnections: %d\nsessions:    %d\n", info.Version, info.Connections, info.Sessions)
			return nil
		},
	}
}

func devicesCmd(configPath *string) *cobra.Command {
	dev := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired devices",
	}

	dev.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDeviceStore(*configPath)
			if err != nil {
				return err
			}
			devices, err := store.List()
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("no paired devices")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE ID\tNAME\tSTATUS\tPAIRED\tLAST SEEN")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.DeviceID, d.DeviceName, d.Status,
					humanize.Time(d.PairedAt), humanize.Time(d.LastSeenAt))
			}
			w.Flush()
			return nil
		},
	})

	dev.AddCommand(&cobra.Command{
		Use:   "revoke [device-id]",
		Short: "Revoke a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDeviceStore(*configPath)
			if err != nil {
				return err
			}
			if err := store.Revoke(args[0]); err != nil {
				return fmt.Errorf("revoke %s: %w", args[0], err)
			}
			fmt.Printf("revoked: %s\n", args[0])
			return nil
		},
	})

	return dev
}

func openDeviceStore(configPath string) (*pairing.DeviceStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	path := cfg.Pairing.DeviceStoreDir
	if path == "" {
		p, err := pairing.DefaultStorePath()
		if err != nil {
			return nil, fmt.Errorf("resolve device store path: %w", err)
		}
		path = p
	}
	return pairing.NewDeviceStore(path), nil
}

func authCmd(configPath *string) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage connection authentication",
	}

	auth.AddCommand(&cobra.Command{
		Use:   "set-token",
		Short: "Set the static bearer token for TOKEN authentication",
		Long:  "Prompts for the token without echoing it to the terminal, then writes it into config.yaml alongside method: TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), "token: ")
			tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			if len(tokenBytes) == 0 {
				return fmt.Errorf("empty token")
			}

			cfg.Auth.Method = "TOKEN"
			cfg.Auth.StaticToken = string(tokenBytes)
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
			fmt.Printf("token updated in %s\n", path)
			return nil
		},
	})

	return auth
}

type pendingPairing struct {
	SessionID         string `json:"sessionId"`
	DeviceName        string `json:"deviceName"`
	VerificationCode  string `json:"verificationCode"`
	AgentFingerprint  string `json:"agentFingerprint"`
	MobileFingerprint string `json:"mobileFingerprint"`
}

func pairCmd(configPath *string) *cobra.Command {
	pair := &cobra.Command{
		Use:   "pair",
		Short: "Manage in-flight device pairing handshakes",
	}

	pair.AddCommand(&cobra.Command{
		Use:   "confirm [session-id]",
		Short: "Review and confirm (or reject) a pending pairing handshake",
		Long:  "Fetches the pending handshake's verification code and fingerprints, displays them for comparison against the mobile side, then confirms or rejects based on a single y/n keypress.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.HealthAddr == "" {
				return fmt.Errorf("health_addr not configured")
			}
			base := "http://" + cfg.HealthAddr
			client := &http.Client{Timeout: 3 * time.Second}

			resp, err := client.Get(base + "/pairing/pending/" + sessionID)
			if err != nil {
				return fmt.Errorf("agent not reachable at %s: %w", cfg.HealthAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var apiErr struct {
					Error string `json:"error"`
				}
				json.NewDecoder(resp.Body).Decode(&apiErr)
				return fmt.Errorf("pending handshake %s: %s", sessionID, apiErr.Error)
			}
			var p pendingPairing
			if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
				return fmt.Errorf("decode pending handshake: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device:             %s\n", p.DeviceName)
			fmt.Fprintf(out, "verification code:  %s\n", p.VerificationCode)
			fmt.Fprintf(out, "agent fingerprint:  %s\n", p.AgentFingerprint)
			fmt.Fprintf(out, "mobile fingerprint: %s\n", p.MobileFingerprint)
			fmt.Fprint(out, "does this match the mobile device's display? [y/N] ")

			confirmed, err := readYesNo(os.Stdin)
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}

			body, err := json.Marshal(struct {
				SessionID string `json:"sessionId"`
				Confirmed bool   `json:"confirmed"`
			}{SessionID: sessionID, Confirmed: confirmed})
			if err != nil {
				return err
			}
			vresp, err := client.Post(base+"/pairing/verify", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("send confirmation: %w", err)
			}
			defer vresp.Body.Close()
			if vresp.StatusCode != http.StatusOK {
				var apiErr struct {
					Error string `json:"error"`
				}
				json.NewDecoder(vresp.Body).Decode(&apiErr)
				return fmt.Errorf("confirmation rejected: %s", apiErr.Error)
			}
			if confirmed {
				fmt.Fprintln(out, "device trusted")
			} else {
				fmt.Fprintln(out, "pairing rejected")
			}
			return nil
		},
	})

	return pair
}

// readYesNo puts the terminal into raw mode and reads a single
// keystroke so the operator doesn't need to press Enter. Anything but
// 'y'/'Y' is treated as a rejection.
func readYesNo(in *os.File) (bool, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(in, &line); err != nil {
			return false, err
		}
		return line == "y" || line == "Y", nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	if _, err := in.Read(buf); err != nil {
		return false, err
	}
	return buf[0] == 'y' || buf[0] == 'Y', nil
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a JWT signing key (EC P-256) for TOKEN authentication",
		Long:  "Generates an ECDSA P-256 private key used to sign connection tokens. The private key never leaves this machine; distribute the public key to clients that need to verify tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := authn.GenerateSigningKey()
			if err != nil {
				return fmt.Errorf("generate signing key: %w", err)
			}

			der, err := x509.MarshalECPrivateKey(key)
			if err != nil {
				return fmt.Errorf("marshal private key: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(der))

			pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
			if err != nil {
				return fmt.Errorf("marshal public key: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "\npublic key: %s\n", base64.StdEncoding.EncodeToString(pubDER))
			return nil
		},
	}
}
