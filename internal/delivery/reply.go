// ABOUTME: Reply linker resolving a message's optional reply-to reference
// ABOUTME: Fails soft when the referent is deleted or missing; the send continues unquoted

package delivery

import (
	"context"

	"github.com/orrodguez19/Seend/internal/event"
)

// resolveReply resolves a reply-to reference within its conversation.
// Returns nil when the reference is empty, the referenced message no
// longer exists, or it belongs to a different conversation. A broken
// reference never blocks the send.
func (p *Pipeline) resolveReply(ctx context.Context, conversationID, ref string) *event.Quote {
	if ref == "" {
		return nil
	}

	msg, err := p.store.GetMessage(ctx, ref)
	if err != nil {
		p.logger.Debug("reply reference unresolvable",
			"conversation_id", conversationID,
			"ref", ref,
			"error", err)
		return nil
	}
	if msg.ConversationID != conversationID {
		p.logger.Debug("reply reference crosses conversations",
			"conversation_id", conversationID,
			"ref", ref)
		return nil
	}

	return &event.Quote{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
	}
}
