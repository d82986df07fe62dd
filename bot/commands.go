package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/services"
	"github.com/devilmonastery/bioverify/internal/pkg/logger"
)

const operatorTimeout = 10 * time.Minute

// buildApp is replaced in tests to seed the Discord state cache
var buildApp = newApp

// pendingView is the YAML shape of a pending verification
type pendingView struct {
	CommunityID string    `yaml:"community_id"`
	MemberID    string    `yaml:"member_id"`
	Handle      string    `yaml:"handle,omitempty"`
	Code        string    `yaml:"code"`
	History     []string  `yaml:"history,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// verifiedView is the YAML shape of a verified record
type verifiedView struct {
	CommunityID string    `yaml:"community_id"`
	MemberID    string    `yaml:"member_id"`
	Handle      string    `yaml:"handle"`
	Method      string    `yaml:"method"`
	VerifiedAt  time.Time `yaml:"verified_at"`
}

// checkView is the YAML shape of a check result
type checkView struct {
	Status      string `yaml:"status"`
	Reason      string `yaml:"reason,omitempty"`
	Handle      string `yaml:"handle,omitempty"`
	MatchedCode string `yaml:"matched_code,omitempty"`
	Attempts    int    `yaml:"attempts"`
}

func toPendingViews(records []*entities.PendingVerification) []pendingView {
	out := make([]pendingView, 0, len(records))
	for _, p := range records {
		out = append(out, pendingView{
			CommunityID: p.CommunityID,
			MemberID:    p.MemberID,
			Handle:      p.ExternalHandle,
			Code:        p.CurrentCode,
			History:     p.CodeHistory,
			CreatedAt:   p.CreatedAt,
		})
	}
	return out
}

func toVerifiedViews(records []*entities.VerifiedRecord) []verifiedView {
	out := make([]verifiedView, 0, len(records))
	for _, v := range records {
		out = append(out, verifiedView{
			CommunityID: v.CommunityID,
			MemberID:    v.MemberID,
			Handle:      v.ExternalHandle,
			Method:      string(v.Method),
			VerifiedAt:  v.VerifiedAt,
		})
	}
	return out
}

func toCheckView(r *services.CheckResult) checkView {
	return checkView{
		Status:      string(r.Status),
		Reason:      string(r.Reason),
		Handle:      r.Handle,
		MatchedCode: r.MatchedCode,
		Attempts:    r.Attempts,
	}
}

// writeYAML encodes v to w
func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// withApp builds the app for one operator command and closes it afterwards
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	log = logger.WithCommand(log, cmd.Name())

	ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
	defer cancel()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()

	if err := a.seedCommunities(ctx); err != nil {
		return fmt.Errorf("failed to seed communities: %w", err)
	}
	return fn(ctx, a)
}

func identityArgs(args []string) (entities.Identity, error) {
	if len(args) < 2 || args[0] == "" || args[1] == "" {
		return entities.Identity{}, errMissingArgs
	}
	return entities.Identity{CommunityID: args[0], MemberID: args[1]}, nil
}

func newPendingCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <community-id>",
		Short: "List pending verifications of a community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				records, err := a.svc.ListPending(ctx, args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), toPendingViews(records))
			})
		},
	}
}

func newVerifiedCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verified <community-id>",
		Short: "List verified members of a community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				records, err := a.svc.ListVerified(ctx, args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), toVerifiedViews(records))
			})
		},
	}
}

func newInitiateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "initiate <community-id> <member-id>",
		Short: "Issue a verification code to a member",
		Long: `Issue a verification code to a member. A member who already has a code keeps
their handle and the previous code stays accepted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				pending, err := a.svc.Initiate(ctx, id)
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), toPendingViews([]*entities.PendingVerification{pending})[0])
			})
		},
	}
}

func newSubmitCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <community-id> <member-id> <handle>",
		Short: "Record the profile handle a member claims",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				pending, err := a.svc.SubmitHandle(ctx, id, args[2])
				if err != nil {
					return fmt.Errorf("submit failed (%s): %w", services.GetCheckFailureReason(err), err)
				}
				return writeYAML(cmd.OutOrStdout(), toPendingViews([]*entities.PendingVerification{pending})[0])
			})
		},
	}
}

func newCheckCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <community-id> <member-id>",
		Short: "Check a member's profile bio for their code now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				result, err := a.svc.CheckNow(ctx, id)
				if err != nil {
					return fmt.Errorf("check failed (%s): %w", services.GetCheckFailureReason(err), err)
				}
				return writeYAML(cmd.OutOrStdout(), toCheckView(result))
			})
		},
	}
}

func newVerifyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <community-id> <member-id> <handle>",
		Short: "Mark a member verified without a bio check",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				record, err := a.svc.ManualVerify(ctx, id, args[2])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), toVerifiedViews([]*entities.VerifiedRecord{record})[0])
			})
		},
	}
}

func newUnverifyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unverify <community-id> <member-id>",
		Short: "Remove a member's verification and trust role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.svc.Unverify(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unverified %s in %s\n", id.MemberID, id.CommunityID)
				return nil
			})
		},
	}
}

func newSweepCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep over every pending verification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				summary, err := a.reconciler.RunOnce(ctx)
				if summary != nil {
					if werr := writeYAML(cmd.OutOrStdout(), summary); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}
}
