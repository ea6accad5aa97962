package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacentio/tally/ratelimit"
)

func (a *app) rateLimitCommands() *cobra.Command {
	group := &cobra.Command{
		Use:                "ratelimit",
		Short:              "Read and write token-bucket state",
		PersistentPreRunE:  a.connect,
		PersistentPostRunE: a.flush,
	}

	persistCmd := &cobra.Command{
		Use:   "persist [scope] [subject] [tokens]",
		Short: "Store a token count refilled now",
		Args:  cobra.ExactArgs(3),
		RunE:  a.runRateLimitPersist,
	}

	getCmd := &cobra.Command{
		Use:   "get [scope] [subject]",
		Short: "Show the stored token-bucket state",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runRateLimitGet,
	}

	group.AddCommand(persistCmd, getCmd)
	return group
}

func (a *app) runRateLimitPersist(cmd *cobra.Command, args []string) error {
	tokens, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token count %q: %w", args[2], err)
	}
	now := time.Now()
	if err := a.limits.Persist(cmd.Context(), ratelimit.SubjectKey(args[0], args[1]), tokens, now); err != nil {
		return fmt.Errorf("failed to persist rate limit: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tokens=%d last_refill=%d\n", tokens, now.Unix())
	return nil
}

func (a *app) runRateLimitGet(cmd *cobra.Command, args []string) error {
	state, err := a.limits.Load(cmd.Context(), ratelimit.SubjectKey(args[0], args[1]))
	if err != nil {
		return fmt.Errorf("failed to load rate limit: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tokens=%d last_refill=%d\n", state.Tokens, state.LastRefill.Unix())
	return nil
}
