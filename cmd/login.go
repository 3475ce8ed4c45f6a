package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <url>",
		Short: "Log in by hand and save the session for later runs",
		Long: `Login opens a visible browser at the given URL. Sign in as usual, then
press Enter in this terminal. The cookies and local storage of the page are
saved under session.dir and applied before later runs that start on the same
host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if !cfg.Session().Enabled {
				return errors.New("sessions are disabled (session.enabled)")
			}
			cfg.SetBrowserHeadless(false)

			ctx := cmd.Context()
			url := args[0]
			components, err := newFactory().Create(ctx, cfg, service.Options{BrowserOnly: true}, observability.GetLogger())
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if err := components.Page().Navigate(ctx, url); err != nil {
				return fmt.Errorf("failed to open %s: %w", url, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Log in to %s in the browser window, then press Enter here.\n", url)
			if err := waitForEnter(ctx, cmd.InOrStdin()); err != nil {
				return err
			}

			if err := components.SaveSession(ctx, url); err != nil {
				return err
			}
			path, err := components.Sessions.Path(url)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Session saved to %s\n", path)
			return nil
		},
	}
}

// waitForEnter blocks until a line is read from in or ctx is done.
func waitForEnter(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
