package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"safertos/internal/buildinfo"
	"safertos/system"
)

func newCheckCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the build configuration",
		Long: `Validate the build and start every kernel once. Table limits, IRQ priority
ordering, process privileges and init tasks are checked; all violations are
reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := o.build()
			if err != nil {
				return err
			}
			s, err := system.New(b)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d cores, %d events, %d tasks, %d notifications\n",
				len(b.Cores), len(b.Events), len(b.Tasks), len(b.Notifications))
			return nil
		},
	}
}

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the build configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective build as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := o.build()
			if err != nil {
				return err
			}
			out, err := b.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
