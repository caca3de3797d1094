package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <tenant> <collection>",
		Short: "Create a collection",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.CreateCollection(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newDropCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <tenant> <collection>",
		Short: "Delete a collection and all its documents",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.DeleteCollection(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <tenant> <old> <new>",
		Short: "Rename a collection",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.RenameCollection(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s/%s to %s/%s\n", args[0], args[1], args[0], args[2])
			return nil
		},
	}
}

func newTenantsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List tenants",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			tenants, err := eng.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func newCollectionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collections <tenant>",
		Short: "List a tenant's collections",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			names, err := eng.ListCollections(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "archive <tenant> <collection>",
		Short: "Snapshot a collection to a tar.gz archive",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			data, err := eng.Archive(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("%s_%s.tar.gz", args[0], args[1])
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s/%s to %s (%d bytes)\n", args[0], args[1], output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive file path")
	return cmd
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <tenant> <collection> <archive.tar.gz>",
		Short: "Restore a collection from an archive (destructive)",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			eng, _, _, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.Restore(cmd.Context(), args[0], args[1], data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

// exactArgs wraps cobra's arg validation into the usage-error exit path.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}
