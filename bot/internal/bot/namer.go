package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/devilmonastery/bioverify/internal/domain/services"
)

// Namer resolves guild and owner names for code prefixes, preferring the
// session state cache over REST
type Namer struct {
	api   discordAPI
	state *discordgo.State
}

var _ services.CommunityNamer = (*Namer)(nil)

// NewNamer creates a Namer. state may be nil.
func NewNamer(api discordAPI, state *discordgo.State) *Namer {
	return &Namer{api: api, state: state}
}

func (n *Namer) guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if n.state != nil {
		if g, err := n.state.Guild(guildID); err == nil {
			return g, nil
		}
	}
	g, err := n.api.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch guild %s: %w", guildID, err)
	}
	return g, nil
}

// CommunityName implements services.CommunityNamer
func (n *Namer) CommunityName(ctx context.Context, communityID string) (string, error) {
	g, err := n.guild(ctx, communityID)
	if err != nil {
		return "", err
	}
	return g.Name, nil
}

// OwnerName implements services.CommunityNamer
func (n *Namer) OwnerName(ctx context.Context, communityID string) (string, error) {
	g, err := n.guild(ctx, communityID)
	if err != nil {
		return "", err
	}
	if g.OwnerID == "" {
		return "", fmt.Errorf("guild %s has no owner", communityID)
	}

	if n.state != nil {
		if m, err := n.state.Member(communityID, g.OwnerID); err == nil {
			return memberDisplayName(m), nil
		}
	}
	m, err := n.api.GuildMember(communityID, g.OwnerID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to fetch guild owner: %w", err)
	}
	return memberDisplayName(m), nil
}
