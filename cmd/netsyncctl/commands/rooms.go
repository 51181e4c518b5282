package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// --- rooms ---

func roomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List active rooms",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			rooms, err := api.rooms(context.Background())
			if err != nil {
				return fmt.Errorf("list rooms: %w", err)
			}

			out, err := formatRooms(rooms, outputFormat)
			if err != nil {
				return fmt.Errorf("format rooms: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- room ---

func roomCmd() *cobra.Command {
	var withVars bool

	cmd := &cobra.Command{
		Use:   "room <id>",
		Short: "Show one room's members and broadcast state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			detail, err := api.room(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get room: %w", err)
			}

			if !withVars {
				out, err := formatRoomDetail(detail, outputFormat)
				if err != nil {
					return fmt.Errorf("format room: %w", err)
				}

				fmt.Print(out)

				return nil
			}

			full, err := fetchRoomVars(context.Background(), detail)
			if err != nil {
				return err
			}

			out, err := formatRoomVars(full, outputFormat)
			if err != nil {
				return fmt.Errorf("format room: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().BoolVar(&withVars, "vars", false,
		"include the room's global and per-client network variables")

	return cmd
}

// fetchRoomVars augments a room detail with the variable state.
func fetchRoomVars(ctx context.Context, detail *roomDetailView) (*roomVarsView, error) {
	globals, err := api.globals(ctx, detail.ID)
	if err != nil {
		return nil, fmt.Errorf("get globals: %w", err)
	}

	clientVars, err := api.clientVars(ctx, detail.ID)
	if err != nil {
		return nil, fmt.Errorf("get client vars: %w", err)
	}

	return &roomVarsView{
		roomDetailView: *detail,
		Globals:        globals,
		ClientVars:     clientVars,
	}, nil
}
