// Package presence derives online, offline, and typing signals from
// session registry transitions.
//
// An identity is online iff it has at least one live session: the first
// session's registration broadcasts online, the last session's removal
// broadcasts offline with a last-seen timestamp. Typing indicators are
// transient: each (identity, conversation) pair owns a bounded timer that
// a newer typing event resets and a disconnect cancels, and the indicator
// reaches only the conversation's participants.
package presence
