package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <target> <content...>",
		Short: "Send one reply through the external sender",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			res := newReplyGateway(cfg).Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if res.IsError {
				return fmt.Errorf("%s", res.Text)
			}
			fmt.Println(res.Text)
			return nil
		},
	}
}
