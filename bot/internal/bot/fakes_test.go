package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errDiscordDown = errors.New("discord unavailable")

type roleCall struct {
	guildID, userID, roleID string
}

type sentMessage struct {
	channelID, content string
}

// fakeDiscord records REST calls instead of making them
type fakeDiscord struct {
	mu       sync.Mutex
	added    []roleCall
	removed  []roleCall
	messages []sentMessage
	guilds   map[string]*discordgo.Guild
	members  map[string]*discordgo.Member // guildID:userID
	fail     error
	restHits int
}

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		guilds:  map[string]*discordgo.Guild{},
		members: map[string]*discordgo.Member{},
	}
}

func (f *fakeDiscord) GuildMemberRoleAdd(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.added = append(f.added, roleCall{guildID, userID, roleID})
	return nil
}

func (f *fakeDiscord) GuildMemberRoleRemove(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.removed = append(f.removed, roleCall{guildID, userID, roleID})
	return nil
}

func (f *fakeDiscord) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeDiscord) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{channelID, content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeDiscord) Guild(guildID string, _ ...discordgo.RequestOption) (*discordgo.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restHits++
	if f.fail != nil {
		return nil, f.fail
	}
	g, ok := f.guilds[guildID]
	if !ok {
		return nil, errors.New("unknown guild")
	}
	return g, nil
}

func (f *fakeDiscord) GuildMember(guildID, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restHits++
	if f.fail != nil {
		return nil, f.fail
	}
	m, ok := f.members[guildID+":"+userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return m, nil
}

// fakeRoleWatcher records revocations
type fakeRoleWatcher struct {
	roles     map[string]string
	lookupErr error
	revoked   []entities.Identity
	clear     bool
}

func (f *fakeRoleWatcher) LookupTrustRole(_ context.Context, communityID string) (string, bool, error) {
	if f.lookupErr != nil {
		return "", false, f.lookupErr
	}
	role, ok := f.roles[communityID]
	return role, ok, nil
}

func (f *fakeRoleWatcher) HandleRoleRevoked(_ context.Context, id entities.Identity) (bool, error) {
	f.revoked = append(f.revoked, id)
	return f.clear, nil
}

// fakeInteractions records interaction replies
type fakeInteractions struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	edits     []string
}

func (f *fakeInteractions) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeInteractions) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, *edit.Content)
	return &discordgo.Message{Content: *edit.Content}, nil
}

func (f *fakeInteractions) lastContent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) > 0 {
		return f.edits[len(f.edits)-1]
	}
	if len(f.responses) == 0 || f.responses[len(f.responses)-1].Data == nil {
		return ""
	}
	return f.responses[len(f.responses)-1].Data.Content
}

// fakeMemberFlow answers /verify with canned results
type fakeMemberFlow struct {
	pending   *entities.PendingVerification
	err       error
	result    *services.CheckResult
	handles   []string
	initiated []entities.Identity
}

func (f *fakeMemberFlow) Initiate(_ context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	f.initiated = append(f.initiated, id)
	return f.pending, f.err
}

func (f *fakeMemberFlow) SubmitHandle(_ context.Context, _ entities.Identity, handle string) (*entities.PendingVerification, error) {
	f.handles = append(f.handles, handle)
	return f.pending, f.err
}

func (f *fakeMemberFlow) CheckNow(context.Context, entities.Identity) (*services.CheckResult, error) {
	return f.result, f.err
}

// fakeRegistrar records command registrations
type fakeRegistrar struct {
	appID, guildID string
	commands       []*discordgo.ApplicationCommand
	err            error
}

func (f *fakeRegistrar) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.appID, f.guildID, f.commands = appID, guildID, commands
	return commands, nil
}
