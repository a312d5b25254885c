package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lsmrepl/pkg/store"
)

var errKeyNotFound = errors.New("key not found")

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key into a stopped store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.PutString(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seq=%d\n", st.LatestSequenceNumber())
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key from a stopped store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			value, found, err := st.GetString(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", errKeyNotFound, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}
