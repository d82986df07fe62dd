package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Bot represents the Discord bot instance
type Bot struct {
	log     *slog.Logger
	session *discordgo.Session
	api     interactionAPI
	roles   RoleWatcher
	members MemberFlow
}

// NewSession creates a Discord session whose REST calls go through transport
func NewSession(token string, transport http.RoundTripper) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Member intent is needed for role updates and the owner lookup
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages
	session.State.TrackMembers = true

	if transport != nil {
		session.Client.Transport = transport
	}
	return session, nil
}

// New creates a new Bot instance. engine answers /verify commands and
// receives trust role removals.
func New(session *discordgo.Session, engine Engine, log *slog.Logger) *Bot {
	bot := &Bot{
		log:     log.With(slog.String("component", "bot")),
		session: session,
		api:     session,
		roles:   engine,
		members: engine,
	}

	bot.registerHandlers()

	return bot
}

// registerHandlers sets up all event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildDelete)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onInteractionCreate)
}

// Start opens the Discord WebSocket connection
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

// Stop gracefully closes the Discord connection
func (b *Bot) Stop(ctx context.Context) error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}

// onReady is called when the bot successfully connects to Discord
func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	b.log.Info("bot connected to Discord",
		slog.String("username", event.User.Username),
		slog.Int("guilds", len(event.Guilds)),
	)

	if err := s.UpdateGameStatus(0, "verifying profiles"); err != nil {
		b.log.Warn("failed to set bot status", slog.String("error", err.Error()))
	}
}

// onGuildCreate is called when the bot joins a guild or becomes available
func (b *Bot) onGuildCreate(s *discordgo.Session, event *discordgo.GuildCreate) {
	b.log.Info("guild available",
		slog.String("guild_id", event.ID),
		slog.String("guild_name", event.Name),
		slog.Int("member_count", event.MemberCount),
	)
}

// onGuildDelete is called when the bot is removed from a guild
func (b *Bot) onGuildDelete(s *discordgo.Session, event *discordgo.GuildDelete) {
	b.log.Info("removed from guild",
		slog.String("guild_id", event.ID),
	)
}
