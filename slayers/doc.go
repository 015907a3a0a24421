// Package slayers implements a Discord bot that turns free-text role
// requests into a formatted nickname and a role.
//
// Members post their name, in-game ID and rank in a request channel, in
// whatever layout they like. The bot extracts the fields, cleans up the
// name, and, if the member isn't on cooldown and the ID isn't already
// claimed, sets their nickname to "Name | ID" and grants the role.
// Every outcome is reported back with a reaction, a DM (falling back to
// a reply when DMs are closed), and a line in the operator log channel.
//
// Key components of the package include:
//
//   - Bot: Owns the discord session, the database, and the per-member
//     request workers.
//   - Classifier: Decides the outcome of a single request, and applies it.
//   - Extractor: Parses name, ID and rank out of free text.
//   - Platform and Notifier: The discord operations the classifier needs,
//     behind interfaces.
//   - CooldownStore, WarningStore and MemberRegistry: Request state, kept
//     in the database, in redis, or in memory.
//   - API: Health and request stats over HTTP.
//
// Moderators can list, export and remove role holders with slash
// commands, and use `!cleanup` to clear the request channel.
package slayers

var (
	// When building, set these like:
	// -ldflags "-X github.com/meetvora1883/slayers/slayers.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)
