package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jacentio/tally/account"
	"github.com/jacentio/tally/retry"
)

func (a *app) accountCommands() *cobra.Command {
	group := &cobra.Command{
		Use:                "account",
		Short:              "Manage accounts",
		PersistentPreRunE:  a.connect,
		PersistentPostRunE: a.flush,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account at version 0",
		Args:  cobra.NoArgs,
		RunE:  a.runAccountCreate,
	}
	createCmd.Flags().String("id", "", WrapString("Account ID (UUID); a random one is generated when empty"))
	createCmd.Flags().String("type", string(account.Savings), WrapString("Account type (savings, checking, current)"))
	createCmd.Flags().Int64("balance", 0, WrapString("Opening balance in minor units"))
	createCmd.Flags().Int64("overdraft-limit", account.DefaultOverdraftLimit, WrapString("Lowest balance allowed; must be negative"))

	getCmd := &cobra.Command{
		Use:   "get [id] [type]",
		Short: "Show an account",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runAccountGet,
	}

	listCmd := &cobra.Command{
		Use:   "list [id]",
		Short: "List every account type held under an ID",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runAccountList,
	}

	depositCmd := &cobra.Command{
		Use:   "deposit [id] [type]",
		Short: "Add an amount to the balance, retrying on version conflicts",
		Long:  "Add --amount (negative to withdraw) to the stored balance. The write is guarded by the account version and retried with backoff when another writer got there first.",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runAccountDeposit,
	}
	depositCmd.Flags().Int64("amount", 0, WrapString("Amount in minor units; negative to withdraw"))
	depositCmd.Flags().Int("attempts", retry.DefaultPolicy().MaxAttempts, WrapString("Maximum write attempts"))

	group.AddCommand(createCmd, getCmd, listCmd, depositCmd)
	return group
}

func (a *app) runAccountCreate(cmd *cobra.Command, _ []string) error {
	typ, err := account.ParseType(a.viper.GetString("type"))
	if err != nil {
		return err
	}
	acct := &account.Account{
		Type:           typ,
		Balance:        a.viper.GetInt64("balance"),
		OverdraftLimit: a.viper.GetInt64("overdraft-limit"),
	}
	if raw := a.viper.GetString("id"); raw != "" {
		if acct.ID, err = uuid.Parse(raw); err != nil {
			return fmt.Errorf("invalid account id: %w", err)
		}
	}

	if err := a.repo.Create(cmd.Context(), acct); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	printAccount(cmd.OutOrStdout(), acct)
	return nil
}

func (a *app) runAccountGet(cmd *cobra.Command, args []string) error {
	id, typ, err := parseAccountArgs(args)
	if err != nil {
		return err
	}
	acct, err := a.repo.Get(cmd.Context(), id, typ)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	printAccount(cmd.OutOrStdout(), acct)
	return nil
}

func (a *app) runAccountList(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	accounts, err := a.repo.List(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, acct := range accounts {
		printAccount(cmd.OutOrStdout(), acct)
	}
	return nil
}

func (a *app) runAccountDeposit(cmd *cobra.Command, args []string) error {
	id, typ, err := parseAccountArgs(args)
	if err != nil {
		return err
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = a.viper.GetInt("attempts")

	acct, err := a.repo.Transact(cmd.Context(), id, typ, a.viper.GetInt64("amount"), policy)
	if err != nil {
		return fmt.Errorf("failed to apply transaction: %w", err)
	}
	printAccount(cmd.OutOrStdout(), acct)
	return nil
}

func parseAccountArgs(args []string) (uuid.UUID, account.Type, error) {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid account id: %w", err)
	}
	typ, err := account.ParseType(args[1])
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, typ, nil
}

func printAccount(w io.Writer, acct *account.Account) {
	fmt.Fprintf(w, "account_id=%s account_type=%s balance=%d overdraft_limit=%d version=%d\n",
		acct.ID, acct.Type, acct.Balance, acct.OverdraftLimit, acct.Version)
}
