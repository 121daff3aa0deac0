package schema

import "strings"

const (
	// ChannelSessionPrefix is the per-session fanout channel carrying wake
	// commands and incremental record updates for one session.
	ChannelSessionPrefix = "session."

	// ChannelMachines is the fleet-wide channel pool scanners listen on.
	ChannelMachines = "machines"
)

const (
	CommandWake         = "wake"
	CommandHalt         = "halt"
	CommandRecordUpdate = "record_update"
	CommandPing         = "ping"
)

// SessionChannel returns the channel name for a session's live updates.
func SessionChannel(sessionID string) string {
	return ChannelSessionPrefix + sessionID
}

// SessionFromChannel extracts the session ID from a session channel name.
// Returns "" if the name is not a session channel.
func SessionFromChannel(name string) string {
	if !strings.HasPrefix(name, ChannelSessionPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, ChannelSessionPrefix)
}
