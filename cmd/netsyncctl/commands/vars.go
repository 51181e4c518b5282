package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// --- globals ---

func globalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "globals <room>",
		Short: "List a room's global network variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vars, err := api.globals(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("list globals: %w", err)
			}

			out, err := formatVars(vars, outputFormat)
			if err != nil {
				return fmt.Errorf("format globals: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- preseed ---

func preseedCmd() *cobra.Command {
	var clientNo uint16

	cmd := &cobra.Command{
		Use:   "preseed <room> <name> <value>",
		Short: "Preseed a network variable before clients join",
		Long: "preseed writes a server-origin network variable (writer 0, server timestamp)\n" +
			"into a room. The room does not have to exist yet; joining clients receive the\n" +
			"value in their first snapshot, and any later client write wins the timestamp race.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, name, value := args[0], args[1], args[2]

			var (
				result string
				err    error
			)
			if cmd.Flags().Changed("client") {
				result, err = api.setClientVar(context.Background(), room, clientNo, name, value)
			} else {
				result, err = api.setGlobal(context.Background(), room, name, value)
			}
			if err != nil {
				return fmt.Errorf("preseed %s: %w", name, err)
			}

			fmt.Printf("%s = %q: %s\n", name, value, result)

			return nil
		},
	}

	cmd.Flags().Uint16Var(&clientNo, "client", 0,
		"preseed a client-scope variable for this client number")

	return cmd
}

// --- unset ---

func unsetCmd() *cobra.Command {
	var clientNo uint16

	cmd := &cobra.Command{
		Use:   "unset <room> <name>",
		Short: "Delete a preseeded or client-written network variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, name := args[0], args[1]

			var (
				result string
				err    error
			)
			if cmd.Flags().Changed("client") {
				result, err = api.deleteClientVar(context.Background(), room, clientNo, name)
			} else {
				result, err = api.deleteGlobal(context.Background(), room, name)
			}
			if err != nil {
				return fmt.Errorf("unset %s: %w", name, err)
			}

			fmt.Printf("%s deleted: %s\n", name, result)

			return nil
		},
	}

	cmd.Flags().Uint16Var(&clientNo, "client", 0,
		"delete a client-scope variable for this client number")

	return cmd
}
