package bot

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
)

const roleEventTimeout = 10 * time.Second

// RoleWatcher is told when a member loses the trust role outside the bot
type RoleWatcher interface {
	LookupTrustRole(ctx context.Context, communityID string) (roleID string, ok bool, err error)
	HandleRoleRevoked(ctx context.Context, id entities.Identity) (bool, error)
}

func (b *Bot) onGuildMemberUpdate(s *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), roleEventTimeout)
	defer cancel()
	b.handleMemberUpdate(ctx, event)
}

// handleMemberUpdate clears verification state when the trust role
// disappears from a member
func (b *Bot) handleMemberUpdate(ctx context.Context, event *discordgo.GuildMemberUpdate) {
	if b.roles == nil || event.Member == nil || event.User == nil {
		return
	}

	roleID, ok, err := b.roles.LookupTrustRole(ctx, event.GuildID)
	if err != nil {
		b.log.Warn("failed to load trust role",
			slog.String("guild_id", event.GuildID),
			slog.String("error", err.Error()))
		return
	}
	if !ok || !roleRemoved(event.BeforeUpdate, event.Member, roleID) {
		return
	}

	id := entities.Identity{CommunityID: event.GuildID, MemberID: event.User.ID}
	cleared, err := b.roles.HandleRoleRevoked(ctx, id)
	if err != nil {
		b.log.Error("failed to clear verification after role removal",
			slog.String("guild_id", id.CommunityID),
			slog.String("user_id", id.MemberID),
			slog.String("error", err.Error()))
		return
	}
	if cleared {
		b.log.Info("trust role removed, verification cleared",
			slog.String("guild_id", id.CommunityID),
			slog.String("user_id", id.MemberID))
	}
}

// roleRemoved reports whether after lacks roleID. When the previous state is
// cached it must have held the role.
func roleRemoved(before, after *discordgo.Member, roleID string) bool {
	if slices.Contains(after.Roles, roleID) {
		return false
	}
	if before != nil {
		return slices.Contains(before.Roles, roleID)
	}
	return true
}
