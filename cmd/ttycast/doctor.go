package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	cliconfig "github.com/ttycast/ttycast/internal/cli/config"
	"github.com/ttycast/ttycast/internal/client"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("ttycast")
			look = strings.TrimSpace(look)

			fmt.Fprintf(os.Stdout, "ttycast_executable=%s\n", exe)
			if look != "" {
				fmt.Fprintf(os.Stdout, "ttycast_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(os.Stdout, "warning=you_are_not_running_the_same_ttycast_as_on_PATH (adjust PATH or call the intended binary explicitly)")
				}
			}
			fmt.Fprintf(os.Stdout, "PATH=%s\n", os.Getenv("PATH"))

			home, _ := os.UserHomeDir()
			if home != "" {
				userBin := filepath.Join(home, ".local", "bin")
				inPath := false
				for _, p := range filepath.SplitList(os.Getenv("PATH")) {
					if filepath.Clean(p) == filepath.Clean(userBin) {
						inPath = true
						break
					}
				}
				fmt.Fprintf(os.Stdout, "user_bin=%s\n", userBin)
				fmt.Fprintf(os.Stdout, "user_bin_in_PATH=%t\n", inPath)
			}

			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
			} else {
				fmt.Fprintln(os.Stdout, "config_present=true")
				fmt.Fprintf(os.Stdout, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
				names := make([]string, 0, len(cfg.Contexts))
				for k := range cfg.Contexts {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, name := range names {
					c := cfg.Contexts[name]
					if c == nil {
						continue
					}
					fmt.Fprintf(os.Stdout, "context=%s url=%s basin=%s timeout=%d\n",
						name,
						strings.TrimSpace(c.URL),
						strings.TrimSpace(c.Basin),
						c.TimeoutSeconds,
					)
				}
			}

			resolved, err := client.ResolveConnection(root.configPath, root.contextName, root.url, root.basin, root.timeout)
			if err != nil {
				fmt.Fprintf(os.Stdout, "resolve_error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintf(os.Stdout, "url=%s\n", resolved.URL)
			fmt.Fprintf(os.Stdout, "basin=%s\n", resolved.Basin)
			probeBroker(resolved)
			return nil
		},
	}
	return cmd
}

// probeBroker checks raw reachability and JetStream availability without
// going through the log client, so a broken stream layer still yields a
// useful reachable/unreachable answer.
func probeBroker(conn *client.Connection) {
	opts := []nats.Option{
		nats.Name("ttycast-doctor"),
		nats.Timeout(3 * time.Second),
	}
	if conn.Username != "" {
		opts = append(opts, nats.UserInfo(conn.Username, conn.Password))
	}
	nc, err := nats.Connect(conn.URL, opts...)
	if err != nil {
		fmt.Fprintf(os.Stdout, "broker_reachable=false error=%s\n", err.Error())
		return
	}
	defer nc.Close()
	rtt, err := nc.RTT()
	if err != nil {
		fmt.Fprintln(os.Stdout, "broker_reachable=true")
	} else {
		fmt.Fprintf(os.Stdout, "broker_reachable=true rtt=%s\n", rtt)
	}
	js, err := nc.JetStream()
	if err != nil {
		fmt.Fprintf(os.Stdout, "jetstream_available=false error=%s\n", err.Error())
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		fmt.Fprintf(os.Stdout, "jetstream_available=false error=%s\n", err.Error())
		return
	}
	fmt.Fprintln(os.Stdout, "jetstream_available=true")
}
