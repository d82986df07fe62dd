package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/services"
)

const (
	commandVerify = "verify"
	subStart      = "start"
	subHandle     = "handle"
	subCheck      = "check"
	optionHandle  = "handle"

	interactionTimeout = 2 * time.Minute
)

// MemberFlow is the part of the engine members drive with /verify
type MemberFlow interface {
	Initiate(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error)
	SubmitHandle(ctx context.Context, id entities.Identity, handle string) (*entities.PendingVerification, error)
	CheckNow(ctx context.Context, id entities.Identity) (*services.CheckResult, error)
}

// Engine is everything the bot needs from the verification service
type Engine interface {
	RoleWatcher
	MemberFlow
}

// interactionAPI is the subset of *discordgo.Session used to answer commands
type interactionAPI interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// commandRegistrar is the subset of *discordgo.Session used to register commands
type commandRegistrar interface {
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

var (
	_ interactionAPI   = (*discordgo.Session)(nil)
	_ commandRegistrar = (*discordgo.Session)(nil)
)

// CommandDefinitions returns the slash commands the bot answers
func CommandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandVerify,
			Description: "Verify that you own a profile",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subStart,
					Description: "Get a code to put in your profile bio",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subHandle,
					Description: "Tell the bot which profile is yours",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionHandle,
							Description: "Profile name or link",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subCheck,
					Description: "Check your bio for the code now",
				},
			},
		},
	}
}

// RegisterCommands replaces the application's commands in one guild, or
// globally when guildID is empty
func RegisterCommands(api commandRegistrar, appID, guildID string) ([]*discordgo.ApplicationCommand, error) {
	if appID == "" {
		return nil, errors.New("application id is required to register commands")
	}
	registered, err := api.ApplicationCommandBulkOverwrite(appID, guildID, CommandDefinitions())
	if err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}
	return registered, nil
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()
	b.handleInteraction(ctx, i)
}

// handleInteraction routes /verify subcommands to the engine
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if b.members == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != commandVerify || len(data.Options) == 0 {
		return
	}
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		b.respond(i, "Use this command inside a server.")
		return
	}

	id := entities.Identity{CommunityID: i.GuildID, MemberID: i.Member.User.ID}
	sub := data.Options[0]
	b.log.Info("command received",
		slog.String("command", commandVerify+" "+sub.Name),
		slog.String("user_id", id.MemberID),
		slog.String("guild_id", id.CommunityID))

	switch sub.Name {
	case subStart:
		pending, err := b.members.Initiate(ctx, id)
		b.logFailure(sub.Name, id, err)
		b.respond(i, startReply(pending, err))

	case subHandle:
		pending, err := b.members.SubmitHandle(ctx, id, optionString(sub.Options, optionHandle))
		b.logFailure(sub.Name, id, err)
		b.respond(i, handleReply(pending, err))

	case subCheck:
		// a check can run past the interaction reply window
		err := b.api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		})
		if err != nil {
			b.log.Error("failed to defer check response", slog.String("error", err.Error()))
			return
		}
		result, err := b.members.CheckNow(ctx, id)
		b.logFailure(sub.Name, id, err)
		content := checkReply(result, err)
		if _, err := b.api.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
			b.log.Error("failed to send check result", slog.String("error", err.Error()))
		}

	default:
		b.respond(i, "Unknown command.")
	}
}

// respond sends an ephemeral reply
func (b *Bot) respond(i *discordgo.InteractionCreate, content string) {
	err := b.api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.log.Error("failed to send response", slog.String("error", err.Error()))
	}
}

func (b *Bot) logFailure(sub string, id entities.Identity, err error) {
	if err == nil {
		return
	}
	b.log.Warn("verify command failed",
		slog.String("subcommand", sub),
		slog.String("user_id", id.MemberID),
		slog.String("guild_id", id.CommunityID),
		slog.String("reason", services.GetCheckFailureReason(err)),
		slog.String("error", err.Error()))
}

func optionString(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range options {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionString {
			return o.StringValue()
		}
	}
	return ""
}

const replyTryLater = "Something went wrong. Try again in a few minutes."

func startReply(p *entities.PendingVerification, err error) string {
	if err != nil {
		return replyTryLater
	}
	if p.HasHandle() {
		return fmt.Sprintf("Your new code is `%s`. Put it in the bio of @%s, then run `/verify check`.",
			p.CurrentCode, p.ExternalHandle)
	}
	return fmt.Sprintf("Your code is `%s`. Put it in your profile bio, then run `/verify handle` with your profile name.",
		p.CurrentCode)
}

func handleReply(p *entities.PendingVerification, err error) string {
	var rejection *services.HandleRejection
	switch {
	case err == nil:
		return fmt.Sprintf("Saved @%s. Make sure `%s` is in the bio, then run `/verify check`.",
			p.ExternalHandle, p.CurrentCode)
	case errors.As(err, &rejection) && rejection.Reason == services.RejectInvalidHandle:
		return "That does not look like a valid profile name."
	case errors.As(err, &rejection) && rejection.Reason == services.RejectNoCodeIssued:
		return "Run `/verify start` first to get a code."
	default:
		return replyTryLater
	}
}

func checkReply(r *services.CheckResult, err error) string {
	switch {
	case errors.Is(err, services.ErrCheckInProgress):
		return "A check is already running for you."
	case errors.Is(err, services.ErrNoPendingVerification):
		return "Run `/verify start` first to get a code."
	case errors.Is(err, services.ErrHandleNotSubmitted):
		return "Run `/verify handle` with your profile name first."
	case services.IsConfigurationError(err):
		return "This server has no trust role set up yet. Ask a moderator."
	case err != nil:
		return replyTryLater
	}

	switch r.Status {
	case services.CheckVerified:
		return "Verified! The trust role is on its way."
	case services.CheckNotFound:
		return fmt.Sprintf("No profile named @%s exists. Run `/verify start` to begin again.", r.Handle)
	case services.CheckInvalidHandle:
		return "The saved profile name is not valid. Send it again with `/verify handle`."
	}

	switch r.Reason {
	case services.ReasonEmptyBio:
		return "Your bio is empty. Add your code; I will keep checking in the background."
	case services.ReasonCodeNotFound:
		return "Your code is not in the bio yet. I will keep checking in the background."
	case services.ReasonSuperseded:
		return "Your verification changed while I was checking. Run `/verify check` again."
	default:
		return "The profile could not be loaded right now. I will keep checking in the background."
	}
}
