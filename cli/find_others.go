//go:build !linux

package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func init() {
	commands = append(commands, findCmd)
}

// The bundled event loop is epoll-based; on other platforms the library is
// usable with a user-supplied loop but the tool has nothing to drive it.
func findCmd(_ context.Context, _ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "find DATABASE COLLECTION [QUERY]",
		Short: "run a query and print the matching documents",
		RunE: func(_ *cobra.Command, _ []string) error {
			return errors.New("the find command needs the epoll event loop and only runs on linux")
		},
	}
}
