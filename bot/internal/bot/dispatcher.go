package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/services"
)

// Dispatcher applies verification outcomes on Discord: role changes on the
// guild member and a DM explaining what happened
type Dispatcher struct {
	api discordAPI
	log *slog.Logger
}

var _ services.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher over a Discord session
func NewDispatcher(api discordAPI, log *slog.Logger) *Dispatcher {
	return &Dispatcher{api: api, log: log.With(slog.String("component", "dispatcher"))}
}

// GrantRole adds the trust role to the member
func (d *Dispatcher) GrantRole(ctx context.Context, id entities.Identity, roleID string) error {
	if err := d.api.GuildMemberRoleAdd(id.CommunityID, id.MemberID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add role %s: %w", roleID, err)
	}
	d.log.Debug("granted trust role",
		slog.String("community_id", id.CommunityID),
		slog.String("member_id", id.MemberID),
		slog.String("role_id", roleID))
	return nil
}

// RevokeRole removes the trust role from the member
func (d *Dispatcher) RevokeRole(ctx context.Context, id entities.Identity, roleID string) error {
	if err := d.api.GuildMemberRoleRemove(id.CommunityID, id.MemberID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to remove role %s: %w", roleID, err)
	}
	return nil
}

// Notify sends the member a DM describing n
func (d *Dispatcher) Notify(ctx context.Context, id entities.Identity, n services.Notification) error {
	content := notificationText(n)
	if content == "" {
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}

	channel, err := d.api.UserChannelCreate(id.MemberID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open DM channel: %w", err)
	}
	if _, err := d.api.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send DM: %w", err)
	}
	return nil
}

// notificationText renders the DM body for a notification
func notificationText(n services.Notification) string {
	switch n.Kind {
	case services.NotifyVerified:
		return fmt.Sprintf("✅ Your profile **@%s** is verified. Your role has been granted and you can remove the code from your bio.", n.Handle)
	case services.NotifyManualVerified:
		return fmt.Sprintf("✅ A moderator verified you as **@%s**. Your role has been granted.", n.Handle)
	case services.NotifyHandleNotFound:
		return fmt.Sprintf("❌ We couldn't find a profile named **@%s**. Check the spelling and start verification again.", n.Handle)
	case services.NotifyExpired:
		return fmt.Sprintf("⌛ Your verification code `%s` expired before we found it in your bio. Start verification again to get a new code.", n.Code)
	case services.NotifyUnverified:
		return "Your verification was removed by a moderator."
	default:
		return ""
	}
}
