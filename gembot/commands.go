package gembot

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Slash commands are stateless one-shot replies: no retries, no
// concurrency concerns, no persisted state. The DM assistant is the
// only stateful surface.
const (
	SlashCommandPing     = "ping"
	SlashCommandCoinflip = "coinflip"
	SlashCommandRoll     = "roll"
	SlashCommand8Ball    = "8ball"
	SlashCommandAvatar   = "avatar"
	SlashCommandUptime   = "uptime"

	rollSidesOption     = "sides"
	eightBallQuestion   = "question"
	avatarTargetOption  = "user"
	defaultRollSides    = 6
	maxRollSides        = 1000
	ephemeralErrorReply = "Error: %s"
)

var eightBallAnswers = []string{
	"It is certain.",
	"Without a doubt.",
	"Yes, definitely.",
	"Most likely.",
	"Outlook good.",
	"Reply hazy, try again.",
	"Ask again later.",
	"Better not tell you now.",
	"Don't count on it.",
	"My reply is no.",
	"Very doubtful.",
}

// slashCommandHandler produces the response data for a slash command.
// Returned errors are reported ephemerally to the invoking user.
type slashCommandHandler func(
	b *GemBot,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error)

var slashCommandHandlers = map[string]slashCommandHandler{
	SlashCommandPing:     commandPing,
	SlashCommandCoinflip: commandCoinflip,
	SlashCommandRoll:     commandRoll,
	SlashCommand8Ball:    command8Ball,
	SlashCommandAvatar:   commandAvatar,
	SlashCommandUptime:   commandUptime,
}

// applicationCommands returns the full slash command catalog, sent to
// the bulk overwrite endpoint on startup.
func applicationCommands() []*discordgo.ApplicationCommand {
	minSides := float64(2)
	maxSides := float64(maxRollSides)
	return []*discordgo.ApplicationCommand{
		{
			Name:        SlashCommandPing,
			Description: "Check that the bot is alive",
		},
		{
			Name:        SlashCommandCoinflip,
			Description: "Flip a coin",
		},
		{
			Name:        SlashCommandRoll,
			Description: "Roll a die",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        rollSidesOption,
					Description: "Number of sides (default 6)",
					MinValue:    &minSides,
					MaxValue:    maxSides,
				},
			},
		},
		{
			Name:        SlashCommand8Ball,
			Description: "Ask the magic 8-ball a question",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        eightBallQuestion,
					Description: "Your question",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandAvatar,
			Description: "Show a user's avatar",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        avatarTargetOption,
					Description: "Whose avatar (defaults to you)",
				},
			},
		},
		{
			Name:        SlashCommandUptime,
			Description: "How long the bot has been running",
		},
	}
}

func commandPing(
	_ *GemBot,
	_ *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error) {
	return &discordgo.InteractionResponseData{Content: "Pong!"}, nil
}

func commandCoinflip(
	_ *GemBot,
	_ *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error) {
	result := "Heads!"
	if rand.IntN(2) == 1 {
		result = "Tails!"
	}
	return &discordgo.InteractionResponseData{Content: result}, nil
}

func commandRoll(
	_ *GemBot,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error) {
	sides := int64(defaultRollSides)
	if opt, ok := discordInteractionOptions(i)[rollSidesOption]; ok {
		sides = opt.IntValue()
	}
	if sides < 2 || sides > maxRollSides {
		return nil, fmt.Errorf("sides must be between 2 and %d", maxRollSides)
	}
	return &discordgo.InteractionResponseData{
		Content: fmt.Sprintf(
			"🎲 You rolled a **%d** (d%d)",
			rand.Int64N(sides)+1,
			sides,
		),
	}, nil
}

func command8Ball(
	_ *GemBot,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error) {
	opt, ok := discordInteractionOptions(i)[eightBallQuestion]
	if !ok {
		return nil, fmt.Errorf("missing %q option", eightBallQuestion)
	}
	answer := eightBallAnswers[rand.IntN(len(eightBallAnswers))]
	return &discordgo.InteractionResponseData{
		Content: fmt.Sprintf("> %s\n🎱 %s", opt.StringValue(), answer),
	}, nil
}

func commandAvatar(
	_ *GemBot,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error) {
	target := getDiscordUser(i)
	if opt, ok := discordInteractionOptions(i)[avatarTargetOption]; ok {
		if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
			if u, found := resolved.Users[opt.Value.(string)]; found {
				target = u
			}
		}
	}
	if target == nil {
		return nil, fmt.Errorf("could not resolve a user for the interaction")
	}
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s's avatar", target.Username),
		Image: &discordgo.MessageEmbedImage{URL: target.AvatarURL("1024")},
		Color: colorBlurple,
	}
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, nil
}

func commandUptime(
	b *GemBot,
	_ *discordgo.InteractionCreate,
) (*discordgo.InteractionResponseData, error) {
	uptime := time.Since(b.startedAt).Round(time.Second)
	return &discordgo.InteractionResponseData{
		Content: fmt.Sprintf("I've been up for **%s**", uptime),
	}, nil
}
