/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/hyperledger/fabric-revocation/lib/epoch"
	"github.com/hyperledger/fabric-revocation/lib/revocation"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func (s *ServerCmd) newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard <issuer>...",
		Short: "Onboard issuers",
		Long:  "Create the genesis accumulator and an empty membership filter of each issuer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := s.getServer()
			if err := srv.Init(false); err != nil {
				return err
			}
			defer srv.Close()
			for _, name := range args {
				if _, err := srv.Directory().Onboard(context.Background(), name, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Onboarded issuer '%s'\n", name)
			}
			return nil
		},
	}
}

func (s *ServerCmd) newRevokeCommand() *cobra.Command {
	var credential bool
	cmd := &cobra.Command{
		Use:   "revoke <issuer> <id>...",
		Short: "Revoke identifiers of an issuer",
		Long:  "Revoke the identifiers of an issuer and commit them by closing the issuer's epoch",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := args[0]
			return s.withCoordinator(func(ctx context.Context, c *revocation.Coordinator) error {
				for _, arg := range args[1:] {
					var err error
					if credential {
						_, err = c.RevokeCredential(issuer, arg)
					} else {
						_, err = c.Revoke(issuer, revocation.Identifier(arg))
					}
					if err != nil {
						return errors.WithMessagef(err, "Failed to revoke '%s'", arg)
					}
				}
				cs, err := c.CloseEpoch(ctx, issuer)
				if err != nil {
					return err
				}
				printCommit(cmd.OutOrStdout(), issuer, cs)
				if !cs.Committed() {
					return errors.Errorf("Epoch %d of issuer '%s' was not committed", cs.Epoch, issuer)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&credential, "credential", false, "Arguments are application credential ids to be bound to identifiers")
	return cmd
}

func (s *ServerCmd) newCheckCommand() *cobra.Command {
	var credential bool
	cmd := &cobra.Command{
		Use:   "check <issuer> <id>",
		Short: "Check whether an identifier is revoked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := args[0]
			return s.withCoordinator(func(ctx context.Context, c *revocation.Coordinator) error {
				id := revocation.Identifier(args[1])
				if credential {
					var err error
					if id, err = c.Bind(issuer, args[1]); err != nil {
						return err
					}
				}
				st, err := c.Resolve(issuer, id)
				if err != nil {
					return err
				}
				answer := "not revoked"
				switch {
				case !st.Authoritative:
					answer = "maybe revoked"
				case st.Revoked:
					answer = "revoked"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s as of epoch %d\n", args[1], answer, st.Epoch)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&credential, "credential", false, "The argument is an application credential id to be bound to an identifier")
	return cmd
}

func (s *ServerCmd) newCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close [issuer]",
		Short: "Close open epochs",
		Long:  "Close the open epoch of an issuer, or of every issuer if none is named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withCoordinator(func(ctx context.Context, c *revocation.Coordinator) error {
				if len(args) == 1 {
					cs, err := c.CloseEpoch(ctx, args[0])
					if err != nil {
						return err
					}
					printCommit(cmd.OutOrStdout(), args[0], cs)
					return nil
				}
				statuses, err := c.CloseAll(ctx)
				names := make([]string, 0, len(statuses))
				for name := range statuses {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					printCommit(cmd.OutOrStdout(), name, statuses[name])
				}
				return err
			})
		},
	}
}

func (s *ServerCmd) newReinstateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reinstate <issuer> <id>...",
		Short: "Remove revocations of an issuer",
		Long:  "Recompute the accumulator of an issuer without the given identifiers and rebuild its filter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := args[0]
			ids := make([]revocation.Identifier, 0, len(args)-1)
			for _, arg := range args[1:] {
				ids = append(ids, revocation.Identifier(arg))
			}
			return s.withCoordinator(func(ctx context.Context, c *revocation.Coordinator) error {
				cs, err := c.Reinstate(ctx, issuer, ids...)
				if err != nil {
					return err
				}
				printCommit(cmd.OutOrStdout(), issuer, cs)
				return nil
			})
		},
	}
}

func printCommit(w io.Writer, issuer string, cs *epoch.CommitStatus) {
	if cs.Committed() {
		fmt.Fprintf(w, "Issuer '%s': epoch %d committed with %d primes\n", issuer, cs.Epoch, cs.Primes)
		return
	}
	fmt.Fprintf(w, "Issuer '%s': epoch %d is %s\n", issuer, cs.Epoch, cs.State)
}
